package dag

import "github.com/google/uuid"

// FileHandle is an opaque identifier for a file in one evaluation. Handles
// are created by clients when constructing a DAG and refer either to a
// client-provided blob or to the stdout, stderr, or a named output path of
// some execution. A handle is valid for the lifetime of one evaluation.
type FileHandle struct {
	// ID uniquely identifies the file within this evaluation.
	ID uuid.UUID
	// Description is a human-readable label shown in progress UIs; it has
	// no effect on caching or execution.
	Description string
}

// NewFileHandle creates a new handle with a random id.
//
//	in := dag.NewFileHandle("input of the solution")
//	exec.SetStdin(in)
func NewFileHandle(description string) FileHandle {
	return FileHandle{ID: uuid.New(), Description: description}
}

// IsZero reports whether h is the zero value, i.e. was never assigned.
func (h FileHandle) IsZero() bool {
	return h.ID == uuid.Nil
}

// ProvidedFile is a client-supplied input to a DAG: either an on-disk path
// or an inline byte blob. Exactly one of Path or Content should be set.
type ProvidedFile struct {
	Handle  FileHandle
	Path    string
	Content []byte
}

// IsInline reports whether the provided file is carried inline rather than
// referencing a path on the submitting client's filesystem.
func (p ProvidedFile) IsInline() bool {
	return p.Path == ""
}
