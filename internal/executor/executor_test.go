package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
	"github.com/dreamware/taskexec/internal/worker"
)

func newTestExecutor(t *testing.T) (*Executor, string, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{BaseDir: filepath.Join(dir, "store")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ex := New(st, nil, nil)

	clientAddr := "unix://" + filepath.Join(dir, "client.sock")
	workerAddr := "unix://" + filepath.Join(dir, "worker.sock")
	clientLn, err := transport.Listen(clientAddr)
	require.NoError(t, err)
	workerLn, err := transport.Listen(workerAddr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx, clientLn, workerLn)

	return ex, clientAddr, workerAddr
}

func dialAndRegisterWorker(t *testing.T, ctx context.Context, workerAddr string, runner sandbox.Runner, id string) {
	t.Helper()
	conn, err := transport.Dial(ctx, workerAddr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	st, err := store.Open(store.Config{BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := worker.New(id, id, conn, st, runner, t.TempDir(), nil)
	require.NoError(t, w.Register(ctx))
	go w.Serve(ctx)
}

func drainUntilDone(t *testing.T, conn transport.Conn, execID string) dag.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env, err := conn.Recv()
		require.NoError(t, err)
		if env.Tag != transport.TagProgressEvent {
			continue
		}
		var p transport.ProgressEventPayload
		require.NoError(t, transport.Decode(env, &p))
		if p.Event.ExecutionID.String() == execID && p.Event.Kind == dag.EventDone {
			return p.Event
		}
	}
	t.Fatal("never observed a Done event")
	return dag.Event{}
}

func TestExecutorRunsSubmittedDAGToCompletion(t *testing.T) {
	_, clientAddr, workerAddr := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dialAndRegisterWorker(t, ctx, workerAddr, sandbox.SuccessRunner{}, "worker-1")

	// Give the worker's registration a moment to reach the scheduler
	// before the client submits, so the first dispatch doesn't race an
	// empty worker set.
	time.Sleep(50 * time.Millisecond)

	clientConn, err := transport.Dial(ctx, clientAddr)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	exec := dag.NewExecution("echo", dag.ExecutionCommand{Path: "/bin/echo", Args: []string{"hi"}})
	d := dag.New()
	d.AddExecution(exec)

	env, err := transport.Encode(transport.TagSubmitDAG, transport.SubmitDAGPayload{DAG: d})
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(env))

	done := drainUntilDone(t, clientConn, exec.ID.String())
	require.NotNil(t, done.Result)
	require.Equal(t, dag.StatusSuccess, done.Result.Status)
}

func TestExecutorRejectsSecondSubmitOnSameConnection(t *testing.T) {
	_, clientAddr, workerAddr := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dialAndRegisterWorker(t, ctx, workerAddr, sandbox.SuccessRunner{}, "worker-1")
	time.Sleep(50 * time.Millisecond)

	clientConn, err := transport.Dial(ctx, clientAddr)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	submit := func() {
		exec := dag.NewExecution(fmt.Sprintf("exec-%d", time.Now().UnixNano()), dag.ExecutionCommand{Path: "/bin/true"})
		d := dag.New()
		d.AddExecution(exec)
		env, err := transport.Encode(transport.TagSubmitDAG, transport.SubmitDAGPayload{DAG: d})
		require.NoError(t, err)
		require.NoError(t, clientConn.Send(env))
	}
	submit()
	submit()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env, err := clientConn.Recv()
		require.NoError(t, err)
		if env.Tag == transport.TagError {
			return
		}
	}
	t.Fatal("never received the rejection for the second submit")
}
