package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

// workerSession is one connected worker of the worker channel (spec
// §4.D, §4.F). lastSeen is touched on every frame the worker sends, so
// the health monitor (health.go) can tell a quiet-but-still-connected
// worker from a dead one without owning this session's Recv loop
// itself.
type workerSession struct {
	id   string
	conn transport.Conn
	ex   *Executor

	mu       sync.Mutex
	lastSeen time.Time
}

func (ws *workerSession) touch() {
	ws.mu.Lock()
	ws.lastSeen = time.Now()
	ws.mu.Unlock()
}

func (ws *workerSession) idleFor() time.Duration {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return time.Since(ws.lastSeen)
}

func (ex *Executor) handleWorker(ctx context.Context, conn transport.Conn) {
	env, err := conn.Recv()
	if err != nil {
		conn.Close()
		return
	}
	if env.Tag != transport.TagRegisterWorker {
		ex.log.Warnw("worker channel connection did not register first", "tag", env.Tag)
		conn.Close()
		return
	}
	var reg transport.RegisterWorkerPayload
	if err := transport.Decode(env, &reg); err != nil {
		conn.Close()
		return
	}

	ws := &workerSession{id: reg.WorkerID, conn: conn, ex: ex, lastSeen: time.Now()}
	ex.mu.Lock()
	ex.workers[ws.id] = ws
	ex.mu.Unlock()
	ex.sched.NotifyWorkerRegistered(ws.id)

	defer func() {
		ex.mu.Lock()
		delete(ex.workers, ws.id)
		ex.mu.Unlock()
		ex.sched.NotifyWorkerDisconnected(ws.id)
		conn.Close()
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		ws.touch()

		switch env.Tag {
		case transport.TagPing:
			conn.Send(transport.Envelope{Tag: transport.TagPong})

		case transport.TagPong:
			// Liveness probe reply; touch() above already recorded it.

		case transport.TagGroupResult:
			var p transport.GroupResultPayload
			if err := transport.Decode(env, &p); err != nil {
				ex.log.Warnw("malformed group result", "worker", ws.id, "error", err)
				continue
			}
			ex.handleGroupResult(ws.id, p)

		case transport.TagWantFile:
			var p transport.WantFilePayload
			if err := transport.Decode(env, &p); err != nil {
				continue
			}
			ex.streamFileToWorker(conn, p.Key, ws.id)

		case transport.TagSendFile:
			// SendFile only ever flows executor -> worker (see
			// streamFileToWorker below); a worker sending one back is a
			// protocol violation, not a normal message to handle.
			ex.log.Debugw("unexpected SendFile on worker channel", "worker", ws.id)

		case transport.TagProvideFile:
			var p transport.ProvideFilePayload
			if err := transport.Decode(env, &p); err != nil {
				continue
			}
			ex.handleProvideFile(ws.id, p)

		default:
			ex.log.Debugw("ignoring unexpected tag on worker channel", "tag", env.Tag)
		}
	}
}

func (ex *Executor) handleGroupResult(workerID string, p transport.GroupResultPayload) {
	if p.Failed {
		ex.sched.NotifyGroupFailed(p.GroupID, p.Error)
		ex.sched.NotifyWorkerIdle(workerID)
		return
	}

	results := make(map[uuid.UUID]dag.ExecutionResult, len(p.Results))
	for hex, r := range p.Results {
		id, err := uuid.Parse(hex)
		if err != nil {
			continue
		}
		results[id] = r
	}
	ex.sched.NotifyGroupSucceeded(p.GroupID, results)
	ex.sched.NotifyWorkerIdle(workerID)
}

// handleProvideFile accumulates a worker-uploaded output. It is not
// chunk-assembling across messages the way worker.handleSendFile is,
// because outputs are small enough in practice to fit one frame
// (bounded by chunkBytes is a streaming courtesy, not a hard
// requirement here); a Final message without a matching start is
// treated as the whole blob, matching worker.uploadIfNeeded always
// sending one Final chunk.
func (ex *Executor) handleProvideFile(workerID string, p transport.ProvideFilePayload) {
	key, err := store.ParseKey(p.Key)
	if err != nil {
		ex.log.Warnw("malformed provided file key", "worker", workerID, "error", err)
		return
	}
	if ex.store.Has(key) {
		return
	}
	if err := ex.store.Store(key, p.Chunk); err != nil {
		ex.log.Warnw("store provided output", "worker", workerID, "key", p.Key, "error", err)
	}
}

// streamFileToWorker answers a worker's WantFile with the store's bytes
// for key, chunked the same way streamFile answers a client's
// RequestFileContents, but over TagSendFile/SendFilePayload — the tag
// Worker.handleSendFile actually reads, not the client-facing
// TagFileChunk/TagDone pair (spec §4.D step 3, §4.F "SendFile(key,
// chunk)"). A missing or unreadable key still answers with one empty
// Final chunk so requestFile's blocking wait unblocks; the worker's own
// store.Store digest check then turns that into a legible "fetch
// inputs" group failure instead of a silent hang.
func (ex *Executor) streamFileToWorker(conn transport.Conn, hexKey, workerID string) {
	key, err := store.ParseKey(hexKey)
	if err != nil {
		ex.log.Warnw("worker requested malformed key", "worker", workerID, "key", hexKey, "error", err)
		ex.sendEmptyFileToWorker(conn, hexKey)
		return
	}
	h, ok := ex.store.Get(key)
	if !ok {
		ex.log.Warnw("worker requested unknown key", "worker", workerID, "key", hexKey)
		ex.sendEmptyFileToWorker(conn, hexKey)
		return
	}
	defer h.Release()

	data, err := readAllLimited(h.Path(), 0)
	if err != nil {
		ex.log.Warnw("read file for worker", "worker", workerID, "key", hexKey, "error", err)
		ex.sendEmptyFileToWorker(conn, hexKey)
		return
	}

	offset := int64(0)
	total := int64(len(data))
	for {
		end := offset + chunkBytes
		if end > total {
			end = total
		}
		final := end >= total
		env, err := transport.Encode(transport.TagSendFile, transport.SendFilePayload{
			Key:    hexKey,
			Offset: offset,
			Chunk:  data[offset:end],
			Final:  final,
		})
		if err != nil {
			return
		}
		if err := conn.Send(env); err != nil {
			return
		}
		if final {
			break
		}
		offset = end
	}
}

func (ex *Executor) sendEmptyFileToWorker(conn transport.Conn, hexKey string) {
	env, err := transport.Encode(transport.TagSendFile, transport.SendFilePayload{Key: hexKey, Final: true})
	if err != nil {
		return
	}
	conn.Send(env)
}
