package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

func newTestWorker(t *testing.T, runner sandbox.Runner) (*Worker, transport.Conn) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{BaseDir: dir + "/store"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	executorSide, workerSide := transport.NewInProcessPair()
	w := New("worker-1", "worker-1", workerSide, st, runner, dir+"/work", nil)
	return w, executorSide
}

func recvGroupResult(t *testing.T, conn transport.Conn) transport.GroupResultPayload {
	t.Helper()
	env, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.TagGroupResult, env.Tag)
	var p transport.GroupResultPayload
	require.NoError(t, transport.Decode(env, &p))
	return p
}

func TestWorkerRunsSingleGroupToSuccess(t *testing.T) {
	w, conn := newTestWorker(t, sandbox.SuccessRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Serve(ctx)

	exec := dag.NewExecution("echo", dag.ExecutionCommand{Path: "/bin/echo", Args: []string{"hi"}})
	group := dag.SingleExecutionGroup(exec)

	env, err := transport.Encode(transport.TagAssignGroup, transport.AssignGroupPayload{Group: group})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	result := recvGroupResult(t, conn)
	require.Equal(t, group.ID, result.GroupID)
	require.False(t, result.Failed)
	require.Len(t, result.Results, 1)
	r := result.Results[exec.ID.String()]
	require.Equal(t, dag.StatusSuccess, r.Status)
	require.True(t, r.Succeeded())
}

func TestWorkerReportsInternalErrorFromSandbox(t *testing.T) {
	w, conn := newTestWorker(t, sandbox.ErrorRunner{Message: "boom"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Serve(ctx)

	exec := dag.NewExecution("fails", dag.ExecutionCommand{Path: "/bin/false"})
	group := dag.SingleExecutionGroup(exec)

	env, err := transport.Encode(transport.TagAssignGroup, transport.AssignGroupPayload{Group: group})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	result := recvGroupResult(t, conn)
	require.False(t, result.Failed)
	r := result.Results[exec.ID.String()]
	require.Equal(t, dag.StatusInternalError, r.Status)
	require.Equal(t, "boom", r.ErrorMessage)
}

func TestWorkerFetchesMissingInputFromExecutor(t *testing.T) {
	w, conn := newTestWorker(t, sandbox.SuccessRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Serve(ctx)

	inputHandle := dag.NewFileHandle("source file")
	data := []byte("package main\n")
	key := store.HashBytes(data)

	exec := dag.NewExecution("compile", dag.ExecutionCommand{Path: "/bin/true"})
	exec.AddInput("main.go", inputHandle, false)
	group := dag.SingleExecutionGroup(exec)

	env, err := transport.Encode(transport.TagAssignGroup, transport.AssignGroupPayload{
		Group:  group,
		Inputs: map[string]string{inputHandle.ID.String(): key.String()},
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	// The worker doesn't have the input locally, so it must ask for it
	// before the group can run.
	wantEnv, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.TagWantFile, wantEnv.Tag)
	var want transport.WantFilePayload
	require.NoError(t, transport.Decode(wantEnv, &want))
	require.Equal(t, key.String(), want.Key)

	sendEnv, err := transport.Encode(transport.TagSendFile, transport.SendFilePayload{
		Key:   want.Key,
		Chunk: data,
		Final: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(sendEnv))

	result := recvGroupResult(t, conn)
	require.False(t, result.Failed)
	r := result.Results[exec.ID.String()]
	require.Equal(t, dag.StatusSuccess, r.Status)
}

// blockingRunner never returns until its ctx is canceled, mimicking a
// long-running sandboxed process that only a CancelGroup can stop.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, cfg sandbox.Configuration) (sandbox.Result, error) {
	<-ctx.Done()
	return sandbox.Result{Error: ctx.Err().Error()}, nil
}

func TestWorkerCancelGroupStopsActiveGroup(t *testing.T) {
	w, conn := newTestWorker(t, blockingRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Serve(ctx)

	exec := dag.NewExecution("block", dag.ExecutionCommand{Path: "/bin/sleep", Args: []string{"30"}})
	group := dag.SingleExecutionGroup(exec)

	env, err := transport.Encode(transport.TagAssignGroup, transport.AssignGroupPayload{Group: group})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	// Give runGroup a moment to register the group as active before
	// canceling it, otherwise the cancel races the registration.
	time.Sleep(50 * time.Millisecond)

	cancelEnv, err := transport.Encode(transport.TagCancelGroup, transport.CancelGroupPayload{GroupID: group.ID})
	require.NoError(t, err)
	require.NoError(t, conn.Send(cancelEnv))

	result := recvGroupResult(t, conn)
	r := result.Results[exec.ID.String()]
	require.Equal(t, dag.StatusInternalError, r.Status)
}
