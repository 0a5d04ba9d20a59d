package sandbox

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Execute runs cfg's process to completion, applying the best-effort
// isolation and resource limits the helper is responsible for (spec
// §4.C). It never returns an error for a failure of the user program —
// those are reported inside Result.Success. A Result with Error set means
// the helper itself could not even attempt the run (e.g. the executable
// does not exist), which the caller reports as StatusInternalError.
func Execute(cfg Configuration) Result {
	cmd, err := buildCommand(cfg)
	if err != nil {
		return Result{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WallTime+cfg.ExtraGrace)
	defer cancel()

	// The helper process is spawned fresh for exactly one execution and
	// exits right after (spec §4.C, "invoked as a helper subprocess"), so
	// setting rlimits on the helper itself before forking is safe: the
	// child inherits them across fork/exec and there is no other
	// concurrent exec in this process to race with.
	restore := applyLimits(cfg)
	defer restore()

	if err := cmd.Start(); err != nil {
		return Result{Error: "cannot start process: " + err.Error()}
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var wasKilled bool
	select {
	case <-ctx.Done():
		wasKilled = true
		killGroup(cmd)
		<-done
	case err := <-done:
		_ = err // exit status inspected below via cmd.ProcessState
	}

	wall := time.Since(start)
	return Result{Success: &Outcome{
		Status:        classifyExit(cmd, wasKilled, cfg),
		ResourceUsage: resourceUsage(cmd, wall),
		WasKilled:     wasKilled,
	}}
}

func buildCommand(cfg Configuration) (*exec.Cmd, error) {
	path := cfg.Executable
	if _, err := exec.LookPath(path); err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, err
		}
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.WorkingDir

	if cfg.Stdin != "" {
		f, err := os.Open(cfg.Stdin)
		if err != nil {
			return nil, err
		}
		cmd.Stdin = f
	}
	if cfg.Stdout != "" {
		f, err := os.Create(cfg.Stdout)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = f
	}
	if cfg.Stderr != "" {
		f, err := os.Create(cfg.Stderr)
		if err != nil {
			return nil, err
		}
		cmd.Stderr = f
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if cfg.UID != 0 || cfg.GID != 0 {
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(cfg.UID), Gid: uint32(cfg.GID)}
	}

	return cmd, nil
}

// killGroup sends SIGKILL to the whole process group, so a multi-process
// execution (e.g. a compiler driver that forked children) cannot survive
// a limit violation in any of its children (spec §4.C, "Syscall
// filtering" / process-count limit).
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

func classifyExit(cmd *exec.Cmd, wasKilled bool, cfg Configuration) ExitStatus {
	if wasKilled {
		return ExitStatus{Kind: "killed_by_limit"}
	}
	state := cmd.ProcessState
	if state == nil {
		return ExitStatus{Kind: "killed_by_limit"}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return ExitStatus{Kind: "signal", Signal: int(ws.Signal())}
		}
	}
	if state.ExitCode() == 0 {
		return ExitStatus{Kind: "success"}
	}
	if exceededCPU(state, cfg) {
		return ExitStatus{Kind: "killed_by_limit"}
	}
	return ExitStatus{Kind: "return_code", ReturnCode: state.ExitCode()}
}

func exceededCPU(state *os.ProcessState, cfg Configuration) bool {
	if cfg.CPUTime <= 0 {
		return false
	}
	return state.UserTime()+state.SystemTime() >= cfg.CPUTime
}

func resourceUsage(cmd *exec.Cmd, wall time.Duration) ResourceUsage {
	usage := ResourceUsage{WallTimeMillis: wall.Milliseconds()}
	state := cmd.ProcessState
	if state == nil {
		return usage
	}
	usage.CPUTimeMillis = state.UserTime().Milliseconds()
	usage.SysTimeMillis = state.SystemTime().Milliseconds()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		usage.MemoryKiB = uint64(ru.Maxrss)
	}
	return usage
}
