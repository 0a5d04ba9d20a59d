package transport

import (
	"github.com/google/uuid"

	"github.com/dreamware/taskexec/internal/dag"
)

// Payload types for every Tag in this package's wire schema (spec §4.F,
// §6). Each is msgpack-encoded as an Envelope's Payload.

// --- Worker channel: executor -> worker ---

type AssignGroupPayload struct {
	Group  *dag.ExecutionGroup `msgpack:"group"`
	Inputs map[string]string   `msgpack:"inputs"` // file handle id (hex uuid) -> store key (hex)
}

type SendFilePayload struct {
	Key    string `msgpack:"key"`
	Offset int64  `msgpack:"offset"`
	Chunk  []byte `msgpack:"chunk"`
	Final  bool   `msgpack:"final"`
}

type CancelGroupPayload struct {
	GroupID uuid.UUID `msgpack:"group_id"`
}

// --- Worker channel: worker -> executor ---

type RegisterWorkerPayload struct {
	WorkerID    string `msgpack:"worker_id"`
	DisplayName string `msgpack:"display_name"`
}

type WantFilePayload struct {
	Key string `msgpack:"key"`
}

type ProvideFilePayload struct {
	Key    string `msgpack:"key"`
	Offset int64  `msgpack:"offset"`
	Chunk  []byte `msgpack:"chunk"`
	Final  bool   `msgpack:"final"`
}

type GroupResultPayload struct {
	GroupID uuid.UUID                     `msgpack:"group_id"`
	Results map[string]dag.ExecutionResult `msgpack:"results"` // execution id (hex uuid) -> result
	Failed  bool                           `msgpack:"failed"`
	Error   string                         `msgpack:"error,omitempty"`
}

// --- Client channel: client -> executor ---

type SubmitDAGPayload struct {
	DAG *dag.DAG `msgpack:"dag"`
}

type RequestFileContentsPayload struct {
	Key      string `msgpack:"key"`
	MaxBytes int64  `msgpack:"max_bytes"`
}

// --- Client channel: executor -> client ---

type ProgressEventPayload struct {
	Event dag.Event `msgpack:"event"`
}

type StatusSnapshotPayload struct {
	ActiveWorkers  int `msgpack:"active_workers"`
	PendingGroups  int `msgpack:"pending_groups"`
	RunningGroups  int `msgpack:"running_groups"`
	CompletedGroups int `msgpack:"completed_groups"`
}

type FileChunkPayload struct {
	Key    string `msgpack:"key"`
	Offset int64  `msgpack:"offset"`
	Chunk  []byte `msgpack:"chunk"`
	Final  bool   `msgpack:"final"`
}

type DonePayload struct {
	Error string `msgpack:"error,omitempty"`
}
