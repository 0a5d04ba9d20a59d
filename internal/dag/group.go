package dag

import "github.com/google/uuid"

// FIFOSandboxDir is the directory, relative to /box, under which all FIFOs
// of a group are bind-mounted inside every sandbox of that group.
const FIFOSandboxDir = "tm_pipes"

// FIFO is a named pipe shared between the executions of one group.
type FIFO struct {
	ID uuid.UUID
}

// SandboxPath returns the path, relative to /box, the FIFO is mounted at
// inside every sandbox of its group.
func (f FIFO) SandboxPath() string {
	return FIFOSandboxDir + "/" + f.ID.String()
}

// ExecutionGroup is an ordered set of executions that must run
// concurrently on the same worker. A group is the unit of scheduling: all
// members succeed or all are failed together (spec §3 invariant 2).
type ExecutionGroup struct {
	ID          uuid.UUID
	Description string
	Executions  []*Execution
	FIFOs       []FIFO
	// Exclusive marks the group as requiring sole use of its worker: no
	// other group may run in parallel on that worker while this one is in
	// flight.
	Exclusive bool
}

// NewExecutionGroup creates an empty group.
func NewExecutionGroup(description string) *ExecutionGroup {
	return &ExecutionGroup{ID: uuid.New(), Description: description}
}

// SingleExecutionGroup wraps one execution in a group of one, the
// representation the scheduler uses uniformly (spec §3 "A single-execution
// DAG is modeled as a group of one").
func SingleExecutionGroup(exec *Execution) *ExecutionGroup {
	g := NewExecutionGroup(exec.Description)
	g.Add(exec)
	return g
}

// Add appends exec to the group.
func (g *ExecutionGroup) Add(exec *Execution) *ExecutionGroup {
	g.Executions = append(g.Executions, exec)
	return g
}

// NewFIFO allocates a new named pipe shared by this group's executions.
func (g *ExecutionGroup) NewFIFO() FIFO {
	f := FIFO{ID: uuid.New()}
	g.FIFOs = append(g.FIFOs, f)
	return f
}

// Priority is the maximum priority across the group's executions; a group
// with no executions has priority 0.
func (g *ExecutionGroup) Priority() int {
	best := 0
	has := false
	for _, e := range g.Executions {
		if !has || e.Priority > best {
			best = e.Priority
			has = true
		}
	}
	if !has {
		return 0
	}
	return best
}

// Dependencies returns the set of file handles required by any execution
// in the group, deduplicated.
func (g *ExecutionGroup) Dependencies() []FileHandle {
	seen := map[uuid.UUID]struct{}{}
	var out []FileHandle
	for _, e := range g.Executions {
		for _, h := range e.dependencies() {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// ProducedHandles returns every file handle this group can produce: each
// execution's stdout/stderr (if captured) and declared outputs.
func (g *ExecutionGroup) ProducedHandles() []FileHandle {
	var out []FileHandle
	for _, e := range g.Executions {
		if e.CaptureStdout {
			out = append(out, e.StdoutHandle)
		}
		if e.CaptureStderr {
			out = append(out, e.StderrHandle)
		}
		for _, h := range e.OutputHandles {
			out = append(out, h)
		}
	}
	return out
}
