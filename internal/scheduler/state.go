package scheduler

import (
	"github.com/google/uuid"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
)

// WorkerStatus is the lifecycle state of one registered worker (spec
// §4.E).
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
	WorkerDisconnected
)

type workerInfo struct {
	id      string
	status  WorkerStatus
	group   uuid.UUID // valid iff status == WorkerBusy
	capable bool       // reserved for future worker-capability matching
}

// fileStatus is the readiness state of one file handle (spec §4.E).
type fileStatus int

const (
	filePending fileStatus = iota
	fileAvailable
	fileFailed
)

type fileRecord struct {
	status fileStatus
	key    store.Key // valid iff status == fileAvailable
}

// groupStatus tracks one submitted group through its lifecycle.
type groupStatus int

const (
	groupPending groupStatus = iota // waiting on unmet file dependencies
	groupReady                      // all deps met, sitting in the ready queue
	groupDispatched
	groupDone
	groupFailed
	groupSkipped
)

type trackedGroup struct {
	group    *dag.ExecutionGroup
	clientID string
	status   groupStatus

	unmet map[uuid.UUID]struct{} // file handle IDs not yet resolved

	priority int
	seq      int // submission order, for tie-breaking (spec §4.E)

	worker string // assigned worker id once dispatched
}
