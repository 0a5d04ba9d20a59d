package sandbox

import "time"

// Configuration is the JSON document the worker writes to the sandbox
// helper's stdin (spec §4.C, §6).
type Configuration struct {
	Executable string            `json:"executable"`
	Args       []string          `json:"args"`
	Env        []string          `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Stdin      string            `json:"stdin,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`

	UID int `json:"uid"`
	GID int `json:"gid"`

	ReadOnlyRoot   bool     `json:"read_only_root"`
	MountTmpfs     bool     `json:"mount_tmpfs"`
	MountProc      bool     `json:"mount_proc"`
	ExtraReadPaths []string `json:"extra_read_paths,omitempty"`
	FIFODir        string   `json:"fifo_dir,omitempty"`
	AllowFork      bool     `json:"allow_fork"`

	CPUTime       time.Duration `json:"cpu_time"`
	WallTime      time.Duration `json:"wall_time"`
	ExtraGrace    time.Duration `json:"extra_grace"`
	MemoryKiB     uint64        `json:"memory_kib"`
	Processes     uint32        `json:"processes"`
	OpenFiles     uint32        `json:"open_files"`
	OutputSizeKiB uint64        `json:"output_size_kib"`
	StackKiB      uint64        `json:"stack_kib"`
}

// ExitStatus mirrors dag.Status, duplicated here so the wire protocol
// between worker and helper does not depend on the dag package — the
// helper binary is a minimal, narrowly-scoped process and should not need
// to import the whole data model to report an exit code.
type ExitStatus struct {
	Kind         string `json:"kind"` // "success" | "return_code" | "signal" | "killed_by_limit"
	ReturnCode   int    `json:"return_code,omitempty"`
	Signal       int    `json:"signal,omitempty"`
}

// ResourceUsage is what the helper measured.
type ResourceUsage struct {
	CPUTimeMillis  int64  `json:"cpu_time_ms"`
	SysTimeMillis  int64  `json:"sys_time_ms"`
	WallTimeMillis int64  `json:"wall_time_ms"`
	MemoryKiB      uint64 `json:"memory_kib"`
}

// Outcome is the body of a successful helper invocation.
type Outcome struct {
	Status        ExitStatus    `json:"status"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
	WasKilled     bool          `json:"was_killed"`
}

// Result is the JSON document the helper writes to stdout: exactly one of
// Success or Error is set (spec §6).
type Result struct {
	Success *Outcome `json:"success,omitempty"`
	Error   string   `json:"error,omitempty"`
}
