package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/dag"
)

type fakeEffects struct {
	mu         sync.Mutex
	dispatched []string // group ids
	canceled   []string
	events     []dag.Event
}

func (f *fakeEffects) Dispatch(workerID string, group *dag.ExecutionGroup, inputs cache.InputHashes) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, group.ID.String())
}

func (f *fakeEffects) CancelOnWorker(workerID string, groupID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, groupID.String())
}

func (f *fakeEffects) Emit(clientID string, ev dag.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEffects) eventsOfKind(kind dag.EventKind) []dag.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dag.Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEffects) {
	t.Helper()
	fx := &fakeEffects{}
	s := New(nil, fx, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, fx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func simpleDAG() (*dag.DAG, *dag.Execution) {
	d := dag.New()
	exec := dag.NewExecution("echo", dag.ExecutionCommand{Path: "/bin/echo", Args: []string{"hi"}})
	d.AddExecution(exec)
	return d, exec
}

func TestSchedulerDispatchesReadyGroupToIdleWorker(t *testing.T) {
	s, fx := newTestScheduler(t)
	d, _ := simpleDAG()

	s.SubmitDAG("client-1", d)
	s.NotifyWorkerRegistered("worker-1")

	waitFor(t, func() bool {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return len(fx.dispatched) == 1
	})
}

func TestSchedulerEmitsStartedThenDone(t *testing.T) {
	s, fx := newTestScheduler(t)
	d, exec := simpleDAG()
	group := d.Groups[0]

	s.SubmitDAG("client-1", d)
	s.NotifyWorkerRegistered("worker-1")

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventStarted)) == 1 })

	s.NotifyGroupSucceeded(group.ID, map[uuid.UUID]dag.ExecutionResult{
		exec.ID: {Status: dag.StatusSuccess},
	})

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventDone)) == 1 })
}

func TestSchedulerSkipsDependentsOnFailure(t *testing.T) {
	s, fx := newTestScheduler(t)
	d := dag.New()

	producer := dag.NewExecution("producer", dag.ExecutionCommand{Path: "/bin/false"})
	out := producer.Output("result.txt")
	d.AddExecution(producer)

	consumer := dag.NewExecution("consumer", dag.ExecutionCommand{Path: "/bin/cat"})
	consumer.AddInput("result.txt", out, false)
	consumerGroup := d.AddExecution(consumer)

	s.SubmitDAG("client-1", d)
	s.NotifyWorkerRegistered("worker-1")

	waitFor(t, func() bool { return len(fx.dispatched) == 1 })

	s.NotifyGroupFailed(d.Groups[0].ID, "boom")

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventSkipped)) == 1 })

	skipped := fx.eventsOfKind(dag.EventSkipped)[0]
	require.Equal(t, consumerGroup.ID, skipped.GroupID)
}

// A clean non-zero exit reported via NotifyGroupSucceeded (the worker
// ran the group and has a real result, it just isn't a success) must
// surface with its true status, not be rewritten into a sandbox-
// internal error (spec §8 S2: "E1 Done(ReturnCode 1)").
func TestSchedulerReportsRealStatusOnGroupCompletedWithFailingExecution(t *testing.T) {
	s, fx := newTestScheduler(t)
	d := dag.New()

	producer := dag.NewExecution("producer", dag.ExecutionCommand{Path: "/bin/false"})
	out := producer.Output("result.txt")
	producerGroup := d.AddExecution(producer)

	consumer := dag.NewExecution("consumer", dag.ExecutionCommand{Path: "/bin/cat"})
	consumer.AddInput("result.txt", out, false)
	consumerGroup := d.AddExecution(consumer)

	s.SubmitDAG("client-1", d)
	s.NotifyWorkerRegistered("worker-1")
	waitFor(t, func() bool { return len(fx.dispatched) == 1 })

	s.NotifyGroupSucceeded(producerGroup.ID, map[uuid.UUID]dag.ExecutionResult{
		producer.ID: {Status: dag.StatusReturnCode, ReturnCode: 1},
	})

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventDone)) == 1 })
	done := fx.eventsOfKind(dag.EventDone)[0]
	require.Equal(t, producer.ID, done.ExecutionID)
	require.Equal(t, dag.StatusReturnCode, done.Result.Status)
	require.Equal(t, 1, done.Result.ReturnCode)

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventSkipped)) == 1 })
	skipped := fx.eventsOfKind(dag.EventSkipped)[0]
	require.Equal(t, consumerGroup.ID, skipped.GroupID)
}

func TestSchedulerRequeuesGroupOnWorkerDisconnect(t *testing.T) {
	s, fx := newTestScheduler(t)
	d, _ := simpleDAG()

	s.SubmitDAG("client-1", d)
	s.NotifyWorkerRegistered("worker-1")
	waitFor(t, func() bool { return len(fx.dispatched) == 1 })

	s.NotifyWorkerDisconnected("worker-1")
	s.NotifyWorkerRegistered("worker-2")

	waitFor(t, func() bool {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return len(fx.dispatched) == 2
	})
}

func TestSchedulerCancelClientSkipsUndispatchedGroups(t *testing.T) {
	s, fx := newTestScheduler(t)
	d, _ := simpleDAG()

	s.SubmitDAG("client-1", d)
	// No worker registered, so the group sits in the ready queue.
	s.CancelClient("client-1")

	waitFor(t, func() bool { return len(fx.eventsOfKind(dag.EventSkipped)) == 1 })
}
