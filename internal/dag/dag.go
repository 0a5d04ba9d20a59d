package dag

import (
	"fmt"

	"github.com/google/uuid"
)

// DAG is a set of execution groups plus a set of provided files. Edges are
// implicit: an execution depends on the file handles it references as
// inputs or stdin (spec §3). The DAG must be acyclic; this is an input
// precondition checked best-effort by Validate, not enforced at runtime —
// a cycle that slips through causes deadlock, reported via timeout (spec
// §3, §9).
type DAG struct {
	Groups   []*ExecutionGroup
	Provided map[uuid.UUID]ProvidedFile
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{Provided: map[uuid.UUID]ProvidedFile{}}
}

// Provide registers a client-supplied file as an input to the DAG.
func (d *DAG) Provide(handle FileHandle, path string, content []byte) {
	d.Provided[handle.ID] = ProvidedFile{Handle: handle, Path: path, Content: content}
}

// AddGroup appends a group to the DAG.
func (d *DAG) AddGroup(g *ExecutionGroup) {
	d.Groups = append(d.Groups, g)
}

// AddExecution wraps exec in a single-execution group and adds it.
func (d *DAG) AddExecution(exec *Execution) *ExecutionGroup {
	g := SingleExecutionGroup(exec)
	d.AddGroup(g)
	return g
}

// NumExecutions returns the total number of executions across all groups,
// used by end-to-end tests to check that every execution eventually
// produces exactly one Done or Skipped event (spec §8, property 6).
func (d *DAG) NumExecutions() int {
	n := 0
	for _, g := range d.Groups {
		n += len(g.Executions)
	}
	return n
}

// producers returns the execution group that produces handle, if any.
func (d *DAG) producers() map[uuid.UUID]*ExecutionGroup {
	out := map[uuid.UUID]*ExecutionGroup{}
	for _, g := range d.Groups {
		for _, h := range g.ProducedHandles() {
			out[h.ID] = g
		}
	}
	return out
}

// Validate performs a best-effort acyclicity check over the group-level
// dependency graph (a group depends on another group if it consumes a
// handle the other group produces). It is not exhaustive — provided files
// and handles from outside the DAG are assumed acyclic by construction —
// but it catches the common case of a DAG that can never become ready
// before it is ever submitted to the scheduler, instead of only
// discovering it after a timeout (spec §3's stated failure mode).
func (d *DAG) Validate() error {
	producedBy := d.producers()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[uuid.UUID]int{}
	for _, g := range d.Groups {
		color[g.ID] = white
	}

	var visit func(g *ExecutionGroup) error
	visit = func(g *ExecutionGroup) error {
		color[g.ID] = gray
		for _, dep := range g.Dependencies() {
			if _, provided := d.Provided[dep.ID]; provided {
				continue
			}
			producer, ok := producedBy[dep.ID]
			if !ok {
				return fmt.Errorf("dag: execution group %s depends on file %s which is neither provided nor produced", g.ID, dep.ID)
			}
			switch color[producer.ID] {
			case gray:
				return fmt.Errorf("dag: cycle detected through group %s", producer.ID)
			case white:
				if err := visit(producer); err != nil {
					return err
				}
			}
		}
		color[g.ID] = black
		return nil
	}

	for _, g := range d.Groups {
		if color[g.ID] == white {
			if err := visit(g); err != nil {
				return err
			}
		}
	}
	return nil
}
