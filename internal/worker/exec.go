package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/sandbox"
	"github.com/dreamware/taskexec/internal/store"
)

// runExecution materializes exec's inputs under sandboxDir, runs it
// through the sandbox runner, and hashes/stores its outputs, returning
// the dag.ExecutionResult the group result is built from (spec §4.D,
// steps 4-6).
func (w *Worker) runExecution(ctx context.Context, exec *dag.Execution, sandboxDir, fifoDir string) dag.ExecutionResult {
	if err := w.bindInputs(exec, sandboxDir); err != nil {
		return dag.ExecutionResult{Status: dag.StatusInternalError, ErrorMessage: err.Error()}
	}

	cfg := sandbox.Configuration{
		Executable:     exec.Command.Path,
		Args:           exec.Command.Args,
		Env:            exec.Env,
		WorkingDir:     sandboxDir,
		ReadOnlyRoot:   exec.Constraints.ReadOnlyRoot,
		MountTmpfs:     exec.Constraints.MountTmpfs,
		MountProc:      exec.Constraints.MountProc,
		ExtraReadPaths: exec.Constraints.ExtraReadPaths,
		FIFODir:        fifoDir,
		AllowFork:      exec.Constraints.AllowMultiplePr,

		CPUTime:       exec.Limits.CPUTime,
		WallTime:      exec.Limits.WallTime,
		ExtraGrace:    exec.Limits.ExtraGrace,
		MemoryKiB:     exec.Limits.MemoryKiB,
		Processes:     exec.Limits.Processes,
		OpenFiles:     exec.Limits.OpenFiles,
		OutputSizeKiB: exec.Limits.OutputSizeKiB,
		StackKiB:      exec.Limits.StackKiB,
	}

	var stdoutPath, stderrPath string
	if exec.CaptureStdout {
		stdoutPath = filepath.Join(sandboxDir, ".stdout")
		cfg.Stdout = stdoutPath
	}
	if exec.CaptureStderr {
		stderrPath = filepath.Join(sandboxDir, ".stderr")
		cfg.Stderr = stderrPath
	}
	if exec.Stdin != nil {
		if key, ok := w.resolveHandle(*exec.Stdin); ok {
			if h, ok := w.store.Get(key); ok {
				cfg.Stdin = h.Path()
				defer h.Release()
			}
		}
	}

	result, err := w.runner.Run(ctx, cfg)
	res := dag.ExecutionResult{Outputs: map[string]string{}}
	if err != nil {
		res.Status = dag.StatusInternalError
		res.ErrorMessage = err.Error()
		return res
	}
	if result.Success == nil {
		res.Status = dag.StatusInternalError
		res.ErrorMessage = result.Error
		return res
	}

	r := result.Success
	res.Status = statusFromOutcome(r)
	res.ReturnCode = r.Status.ReturnCode
	res.Signal = r.Status.Signal
	res.WasKilled = r.WasKilled
	res.Resources.CPUTime = time.Duration(r.ResourceUsage.CPUTimeMillis) * time.Millisecond
	res.Resources.SysTime = time.Duration(r.ResourceUsage.SysTimeMillis) * time.Millisecond
	res.Resources.WallTime = time.Duration(r.ResourceUsage.WallTimeMillis) * time.Millisecond
	res.Resources.MemoryKiB = r.ResourceUsage.MemoryKiB

	if res.Status == dag.StatusSuccess || res.Status == dag.StatusReturnCode {
		if stdoutPath != "" {
			w.storeOutputFile(res.Outputs, "stdout", stdoutPath)
		}
		if stderrPath != "" {
			w.storeOutputFile(res.Outputs, "stderr", stderrPath)
		}
		for _, path := range exec.Outputs {
			w.storeOutputFile(res.Outputs, path, filepath.Join(sandboxDir, path))
		}
	}
	return res
}

func (w *Worker) bindInputs(exec *dag.Execution, sandboxDir string) error {
	for _, in := range exec.Inputs {
		key, ok := w.resolveHandle(in.Handle)
		if !ok {
			return fmt.Errorf("no local content for input %s", in.SandboxPath)
		}
		h, ok := w.store.Get(key)
		if !ok {
			return fmt.Errorf("store lookup failed for input %s", in.SandboxPath)
		}
		dst := filepath.Join(sandboxDir, in.SandboxPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			h.Release()
			return err
		}
		data, err := os.ReadFile(h.Path())
		h.Release()
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if in.Executable {
			mode = 0o755
		}
		if err := os.WriteFile(dst, data, mode); err != nil {
			return err
		}
	}
	return nil
}

// resolveHandle looks up the store key the worker currently has on file
// for a handle, as recorded by materializeInputs for the group's
// dependencies.
func (w *Worker) resolveHandle(h dag.FileHandle) (store.Key, bool) {
	w.mu.Lock()
	key, ok := w.handleKeys[h.ID]
	w.mu.Unlock()
	return key, ok
}

func (w *Worker) storeOutputFile(outputs map[string]string, name, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.log.Warnw("missing declared output", "name", name, "path", path, "error", err)
		return
	}
	defer f.Close()

	key, _, err := store.HashReader(f)
	if err != nil {
		w.log.Warnw("hash output", "name", name, "path", path, "error", err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warnw("read output for storing", "name", name, "path", path, "error", err)
		return
	}
	if err := w.store.Store(key, data); err != nil {
		w.log.Warnw("store output", "name", name, "path", path, "error", err)
		return
	}
	outputs[name] = key.String()
}

func statusFromOutcome(o *sandbox.Outcome) dag.Status {
	switch o.Status.Kind {
	case "success":
		return dag.StatusSuccess
	case "return_code":
		return dag.StatusReturnCode
	case "signal":
		return dag.StatusSignal
	case "killed_by_limit":
		return dag.StatusKilledByLimit
	default:
		return dag.StatusInternalError
	}
}
