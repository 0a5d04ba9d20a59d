package dag

import (
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of an execution. Exactly one of these
// describes a Done execution; Skipped executions carry no Status.
type Status int

const (
	// StatusSuccess is a zero exit code.
	StatusSuccess Status = iota
	// StatusReturnCode is a non-zero, non-signal exit.
	StatusReturnCode
	// StatusSignal means the process was terminated by a signal.
	StatusSignal
	// StatusInternalError is a sandbox-side failure unrelated to the user
	// program (missing helper, bad configuration, kernel feature absent).
	StatusInternalError
	// StatusKilledByLimit means a resource limit (CPU, wall, memory,
	// output size, process count) was exceeded and the sandbox killed the
	// process to enforce it.
	StatusKilledByLimit
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReturnCode:
		return "return_code"
	case StatusSignal:
		return "signal"
	case StatusInternalError:
		return "internal_error"
	case StatusKilledByLimit:
		return "killed_by_limit"
	default:
		return "unknown"
	}
}

// IsSuccess reports whether the status represents a successful run.
func (s Status) IsSuccess() bool { return s == StatusSuccess }

// ResourceUsage records what an execution actually consumed.
type ResourceUsage struct {
	CPUTime    time.Duration
	SysTime    time.Duration
	WallTime   time.Duration
	MemoryKiB  uint64
}

// ExecutionResult is the outcome of one execution (spec §3).
type ExecutionResult struct {
	Status       Status
	ReturnCode   int    // valid when Status == StatusReturnCode
	Signal       int    // valid when Status == StatusSignal
	ErrorMessage string // valid when Status == StatusInternalError

	Resources ResourceUsage

	WasKilled  bool
	WasCached  bool

	// Outputs maps declared output paths (plus "stdout"/"stderr") to the
	// store keys holding their content. Filled for an execution that ran
	// to success or to a non-zero return code, empty otherwise; the
	// scheduler makes these files available to dependents only when every
	// execution of the group succeeded.
	Outputs map[string]string
}

// Succeeded reports whether the result represents Status == StatusSuccess.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// EventKind identifies the observable lifecycle transition of an
// execution, per the state machine in spec §4.H:
//
//	Pending -> Started -> Done(result)
//	   |                     |
//	   +-> Skipped <---------+
type EventKind int

const (
	EventPending EventKind = iota
	EventStarted
	EventDone
	EventSkipped
	// EventGroupCached reports an execution whose group's result was
	// synthesized from the cache; it is emitted once per execution of the
	// group, carrying the cached Result, in place of Started and Done.
	EventGroupCached
)

// Event is one observable transition for a single execution, delivered to
// clients in the order Pending -> Started -> Done/Skipped.
type Event struct {
	ExecutionID uuid.UUID
	GroupID     uuid.UUID
	Kind        EventKind
	Result      *ExecutionResult // set iff Kind == EventDone or EventGroupCached
}
