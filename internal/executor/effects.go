package executor

import (
	"github.com/google/uuid"

	"github.com/dreamware/taskexec/internal/cache"
	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/transport"
)

// Dispatch implements scheduler.Effects by sending group to the named
// worker's connection, resolving each dependency to its current store
// key (spec §4.E, "Dispatch").
func (ex *Executor) Dispatch(workerID string, group *dag.ExecutionGroup, inputs cache.InputHashes) {
	ex.mu.Lock()
	w, ok := ex.workers[workerID]
	ex.mu.Unlock()
	if !ok {
		ex.log.Warnw("dispatch to unknown worker", "worker", workerID, "group", group.ID)
		return
	}

	byHex := make(map[string]string, len(inputs))
	for id, key := range inputs {
		byHex[id] = key.String()
	}

	env, err := transport.Encode(transport.TagAssignGroup, transport.AssignGroupPayload{
		Group:  group,
		Inputs: byHex,
	})
	if err != nil {
		ex.log.Errorw("encode assign group", "group", group.ID, "error", err)
		return
	}
	if err := w.conn.Send(env); err != nil {
		ex.log.Warnw("send assign group", "worker", workerID, "group", group.ID, "error", err)
	}
}

// CancelOnWorker implements scheduler.Effects.
func (ex *Executor) CancelOnWorker(workerID string, groupID uuid.UUID) {
	ex.mu.Lock()
	w, ok := ex.workers[workerID]
	ex.mu.Unlock()
	if !ok {
		return
	}
	env, err := transport.Encode(transport.TagCancelGroup, transport.CancelGroupPayload{GroupID: groupID})
	if err != nil {
		return
	}
	if err := w.conn.Send(env); err != nil {
		ex.log.Warnw("send cancel group", "worker", workerID, "group", groupID, "error", err)
	}
}

// Emit implements scheduler.Effects by forwarding ev to the client that
// submitted it, if still connected. A client that disconnected mid-run
// simply misses subsequent events; it is not the scheduler's job to
// buffer for an absent client (spec §4.G).
func (ex *Executor) Emit(clientID string, ev dag.Event) {
	ex.mu.Lock()
	c, ok := ex.clients[clientID]
	ex.mu.Unlock()
	if !ok {
		return
	}
	env, err := transport.Encode(transport.TagProgressEvent, transport.ProgressEventPayload{Event: ev})
	if err != nil {
		ex.log.Errorw("encode progress event", "client", clientID, "error", err)
		return
	}
	if err := c.conn.Send(env); err != nil {
		ex.log.Debugw("send progress event", "client", clientID, "error", err)
	}
}
