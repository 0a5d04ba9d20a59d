package dag

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionCommand names the program to run, either a path resolved inside
// the sandbox or an absolute path on the host mounted in.
type ExecutionCommand struct {
	// Path is the command to execute. A relative path is resolved against
	// the sandbox's input files; an absolute path is looked up on the
	// mounted read-only system directories.
	Path string
	// Args is the argument vector, not including argv[0].
	Args []string
}

// InputFile describes one file bound into the sandbox for an execution.
type InputFile struct {
	// SandboxPath is the path, relative to /box, the file is bound at.
	SandboxPath string
	// Handle identifies the file's content.
	Handle FileHandle
	// Executable marks the file as runnable (chmod +x semantics).
	Executable bool
}

// Limits bounds the resources an execution may consume. Zero means
// unlimited for that dimension.
type Limits struct {
	CPUTime       time.Duration
	WallTime      time.Duration
	MemoryKiB     uint64
	Processes     uint32
	OpenFiles     uint32
	OutputSizeKiB uint64
	StackKiB      uint64
	// ExtraGrace is added on top of CPUTime before SIGKILL is sent, so a
	// time-limit-exceeded outcome can be distinguished from a crash: the
	// process is given a chance to exit on its own accord after hitting
	// the soft limit.
	ExtraGrace time.Duration
}

// SandboxConstraints controls the filesystem/namespace shape the sandbox
// presents to the running process.
type SandboxConstraints struct {
	ReadOnlyRoot    bool
	MountTmpfs      bool
	MountProc       bool
	ExtraReadPaths  []string
	AllowMultiplePr bool // permit fork/clone, e.g. for compiler drivers
}

// Execution describes one process to run. Every execution has a unique
// identifier and belongs to exactly one ExecutionGroup.
type Execution struct {
	ID          uuid.UUID
	Description string
	Tag         string
	Priority    int

	Command ExecutionCommand
	Env     []string

	Inputs  map[string]InputFile // keyed by in-sandbox path
	Outputs []string             // declared output paths, relative to /box

	Stdin         *FileHandle
	CaptureStdout bool
	CaptureStderr bool
	StdoutCapKiB  uint64
	StderrCapKiB  uint64

	Limits      Limits
	Constraints SandboxConstraints

	// CacheSkipKey, if non-empty, is folded into the data hash so callers
	// can force a fresh run (bust the cache) without changing any other
	// observable input.
	CacheSkipKey string

	// StdoutHandle and StderrHandle are allocated by NewExecution and each
	// per-Outputs handle by Output, so downstream
	// executions can reference them as inputs before the execution runs.
	StdoutHandle  FileHandle
	StderrHandle  FileHandle
	OutputHandles map[string]FileHandle
}

// NewExecution creates an execution with a random id and output handles
// pre-allocated for Stdout/Stderr so callers can wire dependents before
// the execution is ever dispatched.
func NewExecution(description string, cmd ExecutionCommand) *Execution {
	return &Execution{
		ID:            uuid.New(),
		Description:   description,
		Command:       cmd,
		Inputs:        map[string]InputFile{},
		OutputHandles: map[string]FileHandle{},
		StdoutHandle:  NewFileHandle(description + " (stdout)"),
		StderrHandle:  NewFileHandle(description + " (stderr)"),
	}
}

// AddInput binds handle at sandboxPath inside the execution's sandbox.
func (e *Execution) AddInput(sandboxPath string, handle FileHandle, executable bool) *Execution {
	e.Inputs[sandboxPath] = InputFile{SandboxPath: sandboxPath, Handle: handle, Executable: executable}
	return e
}

// SetStdin binds handle as the execution's standard input.
func (e *Execution) SetStdin(handle FileHandle) *Execution {
	e.Stdin = &handle
	return e
}

// Stdout enables stdout capture and returns the handle that will carry it.
func (e *Execution) Stdout(capKiB uint64) FileHandle {
	e.CaptureStdout = true
	e.StdoutCapKiB = capKiB
	return e.StdoutHandle
}

// Stderr enables stderr capture and returns the handle that will carry it.
func (e *Execution) Stderr(capKiB uint64) FileHandle {
	e.CaptureStderr = true
	e.StderrCapKiB = capKiB
	return e.StderrHandle
}

// Output declares path as an output of the execution and returns the
// handle that will carry its content once the execution completes.
func (e *Execution) Output(path string) FileHandle {
	if h, ok := e.OutputHandles[path]; ok {
		return h
	}
	h := NewFileHandle(e.Description + " (" + path + ")")
	e.Outputs = append(e.Outputs, path)
	e.OutputHandles[path] = h
	return h
}

// dependencies returns every file handle this execution reads from,
// excluding its own produced outputs.
func (e *Execution) dependencies() []FileHandle {
	var deps []FileHandle
	for _, in := range e.Inputs {
		deps = append(deps, in.Handle)
	}
	if e.Stdin != nil {
		deps = append(deps, *e.Stdin)
	}
	return deps
}
