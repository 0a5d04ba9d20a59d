package executor

import (
	"context"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
	"github.com/dreamware/taskexec/internal/transport"
)

// clientSession is one connected client of the client channel (spec
// §4.F, §4.G). A client may submit at most one DAG per connection in
// this model; a second TagSubmitDAG on the same connection is rejected,
// matching the original's one-evaluation-per-client-process shape.
type clientSession struct {
	id   string
	conn transport.Conn
	ex   *Executor

	submitted bool
}

func (ex *Executor) handleClient(ctx context.Context, conn transport.Conn) {
	cs := &clientSession{id: newClientID(), conn: conn, ex: ex}

	ex.mu.Lock()
	ex.clients[cs.id] = cs
	ex.mu.Unlock()

	defer func() {
		ex.mu.Lock()
		delete(ex.clients, cs.id)
		ex.mu.Unlock()
		ex.sched.CancelClient(cs.id)
		conn.Close()
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		switch env.Tag {
		case transport.TagPing:
			conn.Send(transport.Envelope{Tag: transport.TagPong})

		case transport.TagSubmitDAG:
			if cs.submitted {
				ex.sendClientError(cs, "a connection may submit at most one DAG")
				continue
			}
			cs.submitted = true
			var p transport.SubmitDAGPayload
			if err := transport.Decode(env, &p); err != nil {
				ex.sendClientError(cs, "malformed dag: "+err.Error())
				continue
			}
			if err := p.DAG.Validate(); err != nil {
				ex.sendClientError(cs, err.Error())
				continue
			}
			ex.materializeProvided(p.DAG)
			ex.sched.SubmitDAG(cs.id, p.DAG)

		case transport.TagCancel:
			ex.sched.CancelClient(cs.id)

		case transport.TagRequestFileContents:
			var p transport.RequestFileContentsPayload
			if err := transport.Decode(env, &p); err != nil {
				continue
			}
			ex.streamFile(conn, p.Key, p.MaxBytes)

		default:
			ex.log.Debugw("ignoring unexpected tag on client channel", "tag", env.Tag)
		}
	}
}

// materializeProvided writes every client-supplied inline blob into the
// store, so the scheduler's dependency tracking (which only deals in
// store keys) and any worker that later fetches an input can find it
// (spec §4.A, §4.E "DAG submitted").
func (ex *Executor) materializeProvided(d *dag.DAG) {
	for _, pf := range d.Provided {
		if pf.IsInline() {
			key := store.HashBytes(pf.Content)
			if err := ex.store.Store(key, pf.Content); err != nil {
				ex.log.Warnw("store provided file", "handle", pf.Handle.ID, "error", err)
			}
		}
	}
}

func (ex *Executor) sendClientError(cs *clientSession, msg string) {
	env, err := transport.Encode(transport.TagError, transport.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	cs.conn.Send(env)
}

// streamFile sends key's content as a sequence of TagFileChunk messages
// terminated by Final, honoring maxBytes (0 means unlimited) (spec
// §4.G).
func (ex *Executor) streamFile(conn transport.Conn, hexKey string, maxBytes int64) {
	key, err := store.ParseKey(hexKey)
	if err != nil {
		ex.sendFileDone(conn, "invalid key: "+err.Error())
		return
	}
	h, ok := ex.store.Get(key)
	if !ok {
		ex.sendFileDone(conn, "no such file")
		return
	}
	defer h.Release()

	data, err := readAllLimited(h.Path(), maxBytes)
	if err != nil {
		ex.sendFileDone(conn, err.Error())
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
		env, err := transport.Encode(transport.TagFileChunk, transport.FileChunkPayload{
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
	ex.sendFileDone(conn, "")
}

func (ex *Executor) sendFileDone(conn transport.Conn, errMsg string) {
	env, err := transport.Encode(transport.TagDone, transport.DonePayload{Error: errMsg})
	if err != nil {
		return
	}
	conn.Send(env)
}
