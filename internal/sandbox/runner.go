package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Runner spawns a sandboxed execution and returns its result. It is the
// seam the worker package depends on, so tests can swap in a fake runner
// instead of shelling out to a real helper binary — the same structure as
// the original's SandboxRunner trait (DESIGN.md).
type Runner interface {
	Run(ctx context.Context, cfg Configuration) (Result, error)
}

// HelperRunner shells out to the sandbox helper binary, feeding it cfg as
// JSON on stdin and parsing its JSON stdout (spec §4.C, §6). A non-zero
// exit of the helper itself — as opposed to an {"error": ...} result it
// printed — is reported as a sandbox-internal error (spec §7): it means
// the helper crashed or misbehaved, not that the user program failed.
type HelperRunner struct {
	// BinPath is the path to the sandbox helper binary (TM_SANDBOX_BIN,
	// spec §6).
	BinPath string
}

func (r HelperRunner) Run(ctx context.Context, cfg Configuration) (Result, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: marshal configuration: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.BinPath)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return Result{Success: nil, Error: fmt.Sprintf("sandbox helper failed: %v", err)}, nil
	}

	var res Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		return Result{Error: fmt.Sprintf("sandbox helper produced invalid output: %v", err)}, nil
	}
	return res, nil
}

// SuccessRunner is a fake runner that never spawns anything and always
// reports success with zero usage. Used by worker, client, executor and
// integration tests that exercise DAG wiring without needing a real
// sandbox.
type SuccessRunner struct{}

func (SuccessRunner) Run(context.Context, Configuration) (Result, error) {
	return Result{Success: &Outcome{Status: ExitStatus{Kind: "success"}}}, nil
}

// ErrorRunner is a fake runner that always reports a sandbox-internal
// error, used to exercise the failure/skip propagation paths.
type ErrorRunner struct{ Message string }

func (r ErrorRunner) Run(context.Context, Configuration) (Result, error) {
	msg := r.Message
	if msg == "" {
		msg = "fake sandbox error"
	}
	return Result{Error: msg}, nil
}

// UnsafeRunner actually spawns the configured process by calling Execute
// in the calling process instead of a helper subprocess, so Execute's
// rlimits, process group and wall-time kill still apply but nothing
// separates a sandbox failure from the caller — it exists for tests that want to run a
// real binary (e.g. /bin/cat) end-to-end without a privileged helper
// available, mirroring the original's UnsafeSandboxRunner, which the
// original explicitly gates with #[cfg(test)] (DESIGN.md).
type UnsafeRunner struct{}

func (UnsafeRunner) Run(ctx context.Context, cfg Configuration) (Result, error) {
	return Execute(cfg), nil
}
