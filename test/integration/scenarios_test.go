// Package integration exercises a real executor talking to real workers
// over real unix-socket transport.Conns, driven through the public
// client package — the same "spin up the whole system, drive it like a
// user would" shape as the teacher's end-to-end test, adapted from
// spawning coordinator/node binaries and driving them over HTTP to
// running the executor/worker/client packages in-process over the
// actual wire protocol.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/client"
	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/executor"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
	"github.com/dreamware/taskexec/internal/worker"
)

// system is one running executor plus one registered worker, torn down
// automatically at the end of the test.
type system struct {
	t          *testing.T
	clientAddr string
	workerAddr string
}

func newSystem(t *testing.T, runner sandbox.Runner) *system {
	return newSystemWithCache(t, runner, nil)
}

func newSystemWithCache(t *testing.T, runner sandbox.Runner, c *cache.Cache) *system {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{BaseDir: filepath.Join(dir, "store")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ex := executor.New(st, c, nil)

	sys := &system{
		t:          t,
		clientAddr: "unix://" + filepath.Join(dir, "client.sock"),
		workerAddr: "unix://" + filepath.Join(dir, "worker.sock"),
	}
	clientLn, err := transport.Listen(sys.clientAddr)
	require.NoError(t, err)
	workerLn, err := transport.Listen(sys.workerAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx, clientLn, workerLn)

	sys.addWorker(ctx, runner)
	time.Sleep(50 * time.Millisecond) // let registration reach the scheduler
	return sys
}

func (sys *system) addWorker(ctx context.Context, runner sandbox.Runner) {
	sys.t.Helper()
	conn, err := transport.Dial(ctx, sys.workerAddr)
	require.NoError(sys.t, err)
	sys.t.Cleanup(func() { conn.Close() })

	st, err := store.Open(store.Config{BaseDir: sys.t.TempDir()}, nil)
	require.NoError(sys.t, err)
	sys.t.Cleanup(func() { st.Close() })

	w := worker.New("worker-"+uuidLike(), "worker", conn, st, runner, sys.t.TempDir(), nil)
	require.NoError(sys.t, w.Register(ctx))
	go w.Serve(ctx)
}

var uuidCounter int

func uuidLike() string {
	uuidCounter++
	return time.Now().Format("150405") + "-" + string(rune('a'+uuidCounter%26))
}

func (sys *system) dial(ctx context.Context) *client.Client {
	sys.t.Helper()
	c, err := client.Dial(ctx, sys.clientAddr)
	require.NoError(sys.t, err)
	sys.t.Cleanup(func() { c.Close() })
	return c
}

// S1: a single execution submitted and run to success.
func TestScenarioSingleExecutionSucceeds(t *testing.T) {
	sys := newSystem(t, sandbox.SuccessRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := sys.dial(ctx)
	exec := dag.NewExecution("build", dag.ExecutionCommand{Path: "/bin/echo", Args: []string{"ok"}})
	d := dag.New()
	d.AddExecution(exec)

	var result *dag.ExecutionResult
	err := c.Submit(ctx, d, client.Callbacks{
		OnDone: func(ev dag.Event) { result = ev.Result },
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, dag.StatusSuccess, result.Status)
}

// returnCodeRunner simulates a process that ran to completion and exited
// with a non-zero return code — a clean user-program failure, distinct
// from a sandbox-internal error, which never produces its declared
// output.
type returnCodeRunner struct{ code int }

func (r returnCodeRunner) Run(context.Context, sandbox.Configuration) (sandbox.Result, error) {
	return sandbox.Result{Success: &sandbox.Outcome{
		Status: sandbox.ExitStatus{Kind: "return_code", ReturnCode: r.code},
	}}, nil
}

// S2: a failing execution reports its real exit status, and dependents
// that consume its (never-produced) output are skipped rather than
// dispatched (spec §8 S2, "E1 Done(ReturnCode 1), E2 Skipped").
func TestScenarioFailureSkipsDependents(t *testing.T) {
	sys := newSystem(t, returnCodeRunner{code: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := sys.dial(ctx)

	producer := dag.NewExecution("produce", dag.ExecutionCommand{Path: "/bin/false"})
	outHandle := producer.Output("out.txt")
	producerGroup := dag.SingleExecutionGroup(producer)

	consumer := dag.NewExecution("consume", dag.ExecutionCommand{Path: "/bin/true"})
	consumer.AddInput("out.txt", outHandle, false)
	consumerGroup := dag.SingleExecutionGroup(consumer)

	d := dag.New()
	d.AddGroup(producerGroup)
	d.AddGroup(consumerGroup)

	events := map[string]dag.EventKind{}
	results := map[string]*dag.ExecutionResult{}
	err := c.Submit(ctx, d, client.Callbacks{
		OnDone: func(ev dag.Event) {
			events[ev.ExecutionID.String()] = ev.Kind
			results[ev.ExecutionID.String()] = ev.Result
		},
		OnSkipped: func(ev dag.Event) { events[ev.ExecutionID.String()] = ev.Kind },
	})
	require.NoError(t, err)
	require.Equal(t, dag.EventDone, events[producer.ID.String()])
	require.Equal(t, dag.EventSkipped, events[consumer.ID.String()])

	producerResult := results[producer.ID.String()]
	require.NotNil(t, producerResult)
	require.Equal(t, dag.StatusReturnCode, producerResult.Status)
	require.Equal(t, 1, producerResult.ReturnCode)
}

// S4: an execution that exceeds its wall-time limit is reported as
// killed-by-limit, not as a crash.
func TestScenarioTimeLimitExceeded(t *testing.T) {
	sys := newSystem(t, killedByLimitRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := sys.dial(ctx)
	exec := dag.NewExecution("spin", dag.ExecutionCommand{Path: "/bin/true"})
	exec.Limits.WallTime = 100 * time.Millisecond
	d := dag.New()
	d.AddExecution(exec)

	var result *dag.ExecutionResult
	err := c.Submit(ctx, d, client.Callbacks{
		OnDone: func(ev dag.Event) { result = ev.Result },
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, dag.StatusKilledByLimit, result.Status)
	require.True(t, result.WasKilled)
}

// killedByLimitRunner simulates a sandboxed process killed for exceeding
// its wall-time limit, without needing a real timer-driven sandbox.
type killedByLimitRunner struct{}

func (killedByLimitRunner) Run(ctx context.Context, cfg sandbox.Configuration) (sandbox.Result, error) {
	return sandbox.Result{Success: &sandbox.Outcome{
		Status:    sandbox.ExitStatus{Kind: "killed_by_limit", Signal: 9},
		WasKilled: true,
	}}, nil
}

// S6: a worker that disconnects mid-group returns that group to the
// ready queue instead of failing the submission outright — the
// scheduler retries it on whichever worker is idle next (spec §4.E,
// "a dispatched group whose worker disconnects goes back to ready").
func TestScenarioWorkerDisconnectRetriesOnAnotherWorker(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.Config{BaseDir: filepath.Join(dir, "store")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ex := executor.New(st, nil, nil)

	clientAddr := "unix://" + filepath.Join(dir, "client.sock")
	workerAddr := "unix://" + filepath.Join(dir, "worker.sock")
	clientLn, err := transport.Listen(clientAddr)
	require.NoError(t, err)
	workerLn, err := transport.Listen(workerAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx, clientLn, workerLn)

	// Dial the worker channel directly (no internal/worker) so the test
	// controls exactly when the connection drops, instead of actually
	// running the assigned group.
	flakyConn, err := transport.Dial(ctx, workerAddr)
	require.NoError(t, err)
	regEnv, err := transport.Encode(transport.TagRegisterWorker, transport.RegisterWorkerPayload{WorkerID: "flaky", DisplayName: "flaky"})
	require.NoError(t, err)
	require.NoError(t, flakyConn.Send(regEnv))
	time.Sleep(50 * time.Millisecond)

	clientCtx, clientCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer clientCancel()
	c, err := client.Dial(clientCtx, clientAddr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	exec := dag.NewExecution("retry-me", dag.ExecutionCommand{Path: "/bin/true"})
	d := dag.New()
	d.AddExecution(exec)

	done := make(chan error, 1)
	go func() { done <- c.Submit(clientCtx, d, client.Callbacks{}) }()

	// Wait for the group to reach the flaky worker, then vanish without
	// ever reporting a GroupResult.
	assignEnv, err := flakyConn.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.TagAssignGroup, assignEnv.Tag)
	require.NoError(t, flakyConn.Close())

	// Only now bring up a real worker; the scheduler must still hand it
	// the retried group once it notices the disconnect.
	sys := &system{t: t, clientAddr: clientAddr, workerAddr: workerAddr}
	sys.addWorker(ctx, sandbox.SuccessRunner{})

	require.NoError(t, <-done)
}

// S3: submitting the same group twice against an executor backed by a
// real cache dispatches it to a worker only the first time; the second
// submission is synthesized from the cache (spec §4.E, "check the cache
// first").
func TestScenarioSecondIdenticalSubmissionIsServedFromCache(t *testing.T) {
	c, err := cache.Load(filepath.Join(t.TempDir(), "cache"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Flush() })

	sys := newSystemWithCache(t, sandbox.SuccessRunner{}, c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newDAG := func() (*dag.DAG, *dag.Execution) {
		exec := dag.NewExecution("build", dag.ExecutionCommand{Path: "/bin/echo", Args: []string{"ok"}})
		d := dag.New()
		d.AddExecution(exec)
		return d, exec
	}

	d1, _ := newDAG()
	var kind1 dag.EventKind
	require.NoError(t, sys.dial(ctx).Submit(ctx, d1, client.Callbacks{
		OnDone: func(ev dag.Event) { kind1 = ev.Kind },
	}))
	require.Equal(t, dag.EventDone, kind1)

	// Same command, same (empty) inputs: same data hash and variant hash,
	// so the second submission must hit the cache instead of running.
	d2, _ := newDAG()
	var kind2 dag.EventKind
	var cached bool
	require.NoError(t, sys.dial(ctx).Submit(ctx, d2, client.Callbacks{
		OnDone:        func(ev dag.Event) { kind2 = ev.Kind },
		OnGroupCached: func(ev dag.Event) { kind2 = ev.Kind; cached = true },
	}))
	require.Equal(t, dag.EventGroupCached, kind2)
	require.True(t, cached)
}

// S5: a FIFO-linked group of executions is dispatched and reported as
// one unit — every member succeeds or every member is accounted for
// together, never split across separate worker assignments (spec §3
// invariant 2, "all members succeed or all are failed together").
func TestScenarioFIFOGroupRunsAsOneUnit(t *testing.T) {
	sys := newSystem(t, sandbox.SuccessRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := dag.NewExecutionGroup("pipe")
	pipe := g.NewFIFO()

	writer := dag.NewExecution("writer", dag.ExecutionCommand{Path: "/bin/true", Args: []string{pipe.SandboxPath()}})
	g.Add(writer)

	reader := dag.NewExecution("reader", dag.ExecutionCommand{Path: "/bin/true", Args: []string{pipe.SandboxPath()}})
	g.Add(reader)

	d := dag.New()
	d.AddGroup(g)

	events := map[string]dag.EventKind{}
	err := sys.dial(ctx).Submit(ctx, d, client.Callbacks{
		OnDone: func(ev dag.Event) { events[ev.ExecutionID.String()] = ev.Kind },
	})
	require.NoError(t, err)
	require.Equal(t, dag.EventDone, events[writer.ID.String()])
	require.Equal(t, dag.EventDone, events[reader.ID.String()])
}

// A provided file input must reach an execution on a worker whose local
// store never saw that blob before: the worker has to fetch it from the
// executor over the worker channel's WantFile/SendFile round trip
// (spec §4.D step 3, §4.F "SendFile(key, chunk)"), not find it already
// sitting in its own store.
func TestScenarioWorkerFetchesProvidedFileFromColdStore(t *testing.T) {
	sys := newSystem(t, sandbox.SuccessRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	content := []byte("input bytes the worker has never seen before")
	handle := dag.NewFileHandle("input.txt")
	d := dag.New()
	d.Provide(handle, "", content)

	exec := dag.NewExecution("consume", dag.ExecutionCommand{Path: "/bin/true"})
	exec.AddInput("input.txt", handle, false)
	d.AddExecution(exec)

	var result *dag.ExecutionResult
	err := sys.dial(ctx).Submit(ctx, d, client.Callbacks{
		OnDone: func(ev dag.Event) { result = ev.Result },
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, dag.StatusSuccess, result.Status)
}
