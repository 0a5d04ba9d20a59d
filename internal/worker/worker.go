package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

// terminationGrace bounds how long the rest of a group is given to
// unwind on its own after one of its executions fails, before the worker
// cancels the group outright (spec §4.D, step 5). An execution that exits
// successfully does not start this timer; a group-mate still blocked on
// its FIFO then runs until its own limits stop it.
const terminationGrace = 3 * time.Second

// Worker is the worker-side end of the worker channel (spec §4.D).
type Worker struct {
	id          string
	displayName string
	conn        transport.Conn
	store       *store.Store
	runner      sandbox.Runner
	baseDir     string
	log         *zap.SugaredLogger

	mu           sync.Mutex
	activeGroups map[uuid.UUID]context.CancelFunc
	pendingWants map[string]*fileWant
	handleKeys   map[uuid.UUID]store.Key
}

// fileWant accumulates the chunks of one in-flight WantFile/SendFile
// exchange. It is only ever touched from Worker.Serve's single reading
// goroutine, so it needs no lock of its own.
type fileWant struct {
	buf  []byte
	done chan []byte
}

// New creates a Worker bound to conn. baseDir is the root under which
// each group gets its own working directory.
func New(id, displayName string, conn transport.Conn, st *store.Store, runner sandbox.Runner, baseDir string, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{
		id:           id,
		displayName:  displayName,
		conn:         conn,
		store:        st,
		runner:       runner,
		baseDir:      baseDir,
		log:          log,
		activeGroups: map[uuid.UUID]context.CancelFunc{},
		pendingWants: map[string]*fileWant{},
		handleKeys:   map[uuid.UUID]store.Key{},
	}
}

// Register sends the initial identity handshake (spec §4.D, step 1).
func (w *Worker) Register(ctx context.Context) error {
	env, err := transport.Encode(transport.TagRegisterWorker, transport.RegisterWorkerPayload{
		WorkerID:    w.id,
		DisplayName: w.displayName,
	})
	if err != nil {
		return err
	}
	return w.conn.Send(env)
}

// Serve reads the worker channel until ctx is canceled or the
// connection errors, dispatching each assigned group to its own
// goroutine (spec §4.D, §5: "one thread to read from the channel").
func (w *Worker) Serve(ctx context.Context) error {
	for {
		env, err := w.conn.Recv()
		if err != nil {
			return fmt.Errorf("worker: recv: %w", err)
		}

		switch env.Tag {
		case transport.TagPing:
			_ = w.conn.Send(transport.Envelope{Tag: transport.TagPong})

		case transport.TagAssignGroup:
			var p transport.AssignGroupPayload
			if err := transport.Decode(env, &p); err != nil {
				w.log.Warnw("malformed AssignGroup", "error", err)
				continue
			}
			go w.runGroup(ctx, p)

		case transport.TagSendFile:
			var p transport.SendFilePayload
			if err := transport.Decode(env, &p); err != nil {
				w.log.Warnw("malformed SendFile", "error", err)
				continue
			}
			w.handleSendFile(p)

		case transport.TagCancelGroup:
			var p transport.CancelGroupPayload
			if err := transport.Decode(env, &p); err != nil {
				w.log.Warnw("malformed CancelGroup", "error", err)
				continue
			}
			w.cancelGroup(p.GroupID)

		default:
			w.log.Debugw("ignoring unexpected tag on worker channel", "tag", env.Tag)
		}
	}
}

func (w *Worker) cancelGroup(groupID uuid.UUID) {
	w.mu.Lock()
	cancel, ok := w.activeGroups[groupID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// handleSendFile accumulates chunks of a file the executor is streaming
// to us in response to a WantFile request, delivering the assembled
// bytes to the waiting fetch goroutine once Final arrives. It runs only
// inside Serve's single reading goroutine, so fileWant.buf needs no
// separate lock; chunks for one key arrive in order over one connection
// (spec §4.H, "reliable and ordered"), so plain appending is correct.
func (w *Worker) handleSendFile(p transport.SendFilePayload) {
	w.mu.Lock()
	want, ok := w.pendingWants[p.Key]
	if ok {
		delete(w.pendingWants, p.Key)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	want.buf = append(want.buf, p.Chunk...)
	if p.Final {
		want.done <- want.buf
		return
	}

	w.mu.Lock()
	w.pendingWants[p.Key] = want
	w.mu.Unlock()
}

// requestFile asks the executor for key's bytes and blocks until they
// arrive or ctx is done (spec §4.D, step 3).
func (w *Worker) requestFile(ctx context.Context, key store.Key) ([]byte, error) {
	hexKey := key.String()
	want := &fileWant{done: make(chan []byte, 1)}

	w.mu.Lock()
	w.pendingWants[hexKey] = want
	w.mu.Unlock()

	env, err := transport.Encode(transport.TagWantFile, transport.WantFilePayload{Key: hexKey})
	if err != nil {
		return nil, err
	}
	if err := w.conn.Send(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-want.done:
		return data, nil
	}
}

// runGroup executes every member of a group in parallel under the
// sandbox, reports the aggregate result, and cancels the rest of the
// group terminationGrace after a member fails (spec §4.D, steps 4-6).
func (w *Worker) runGroup(ctx context.Context, p transport.AssignGroupPayload) {
	group := p.Group
	groupCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.activeGroups[group.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.activeGroups, group.ID)
		w.mu.Unlock()
	}()

	workDir := filepath.Join(w.baseDir, group.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		w.reportGroupFailure(group.ID, fmt.Sprintf("create working directory: %v", err))
		return
	}
	defer os.RemoveAll(workDir)

	fifoDir := filepath.Join(workDir, dag.FIFOSandboxDir)
	if len(group.FIFOs) > 0 {
		if err := os.MkdirAll(fifoDir, 0o755); err != nil {
			w.reportGroupFailure(group.ID, fmt.Sprintf("create fifo directory: %v", err))
			return
		}
		for _, f := range group.FIFOs {
			if err := makeFIFO(filepath.Join(fifoDir, f.ID.String())); err != nil {
				w.reportGroupFailure(group.ID, fmt.Sprintf("create fifo %s: %v", f.ID, err))
				return
			}
		}
	}

	if err := w.materializeInputs(groupCtx, group, p.Inputs, workDir); err != nil {
		w.reportGroupFailure(group.ID, fmt.Sprintf("fetch inputs: %v", err))
		return
	}

	results := make(map[uuid.UUID]dag.ExecutionResult, len(group.Executions))
	var resultsMu sync.Mutex

	eg, egCtx := errgroup.WithContext(groupCtx)
	for _, exec := range group.Executions {
		exec := exec
		eg.Go(func() error {
			res := w.runExecution(egCtx, exec, workDir, fifoDir)
			resultsMu.Lock()
			results[exec.ID] = res
			resultsMu.Unlock()
			if !res.Succeeded() {
				// A failing group-mate races the others against
				// terminationGrace instead of killing them immediately,
				// so a FIFO partner reading from the failed execution's
				// pipe gets a chance to unblock on EOF (spec §4.D, step
				// 5).
				select {
				case <-time.After(terminationGrace):
					cancel()
				case <-egCtx.Done():
				}
			}
			return nil
		})
	}
	eg.Wait()

	w.reportGroupResult(group.ID, results)
}

func (w *Worker) materializeInputs(ctx context.Context, group *dag.ExecutionGroup, inputs map[string]string, workDir string) error {
	for _, h := range group.Dependencies() {
		hexKey, ok := inputs[h.ID.String()]
		if !ok {
			return fmt.Errorf("no store key provided for input %s", h.ID)
		}
		key, err := store.ParseKey(hexKey)
		if err != nil {
			return fmt.Errorf("parse key for input %s: %w", h.ID, err)
		}
		if !w.store.Has(key) {
			data, err := w.requestFile(ctx, key)
			if err != nil {
				return fmt.Errorf("request input %s: %w", h.ID, err)
			}
			if err := w.store.Store(key, data); err != nil {
				return fmt.Errorf("store input %s: %w", h.ID, err)
			}
		}

		w.mu.Lock()
		w.handleKeys[h.ID] = key
		w.mu.Unlock()
	}
	return nil
}

func (w *Worker) reportGroupFailure(groupID uuid.UUID, msg string) {
	env, err := transport.Encode(transport.TagGroupResult, transport.GroupResultPayload{
		GroupID: groupID,
		Failed:  true,
		Error:   msg,
	})
	if err != nil {
		w.log.Errorw("encode group failure", "error", err)
		return
	}
	if err := w.conn.Send(env); err != nil {
		w.log.Errorw("send group failure", "error", err)
	}
}

func (w *Worker) reportGroupResult(groupID uuid.UUID, results map[uuid.UUID]dag.ExecutionResult) {
	byHex := make(map[string]dag.ExecutionResult, len(results))
	for id, r := range results {
		byHex[id.String()] = r
	}
	env, err := transport.Encode(transport.TagGroupResult, transport.GroupResultPayload{
		GroupID: groupID,
		Results: byHex,
	})
	if err != nil {
		w.log.Errorw("encode group result", "error", err)
		return
	}

	for id, r := range results {
		for path, hexKey := range r.Outputs {
			w.uploadIfNeeded(id, path, hexKey)
		}
	}

	if err := w.conn.Send(env); err != nil {
		w.log.Errorw("send group result", "error", err)
	}
}

// uploadIfNeeded pushes an output's bytes to the executor. The worker
// cannot cheaply learn whether the executor's store already holds the
// blob without an extra round trip, so it always offers the bytes; the
// executor's store dedupes by content hash on receipt (spec §4.D, step
// 6, simplified — see DESIGN.md).
func (w *Worker) uploadIfNeeded(execID uuid.UUID, path, hexKey string) {
	key, err := store.ParseKey(hexKey)
	if err != nil {
		return
	}
	h, ok := w.store.Get(key)
	if !ok {
		return
	}
	defer h.Release()

	data, err := os.ReadFile(h.Path())
	if err != nil {
		w.log.Warnw("read local output for upload", "execution", execID, "path", path, "error", err)
		return
	}

	env, err := transport.Encode(transport.TagProvideFile, transport.ProvideFilePayload{
		Key:   hexKey,
		Chunk: data,
		Final: true,
	})
	if err != nil {
		return
	}
	if err := w.conn.Send(env); err != nil {
		w.log.Warnw("upload output", "execution", execID, "path", path, "error", err)
	}
}
