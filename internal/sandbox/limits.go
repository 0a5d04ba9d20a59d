//go:build linux

package sandbox

import "syscall"

// rlimitNPROC is RLIMIT_NPROC as numbered on Linux amd64, arm64, 386 and
// arm; the syscall package does not export it.
const rlimitNPROC = 6

// applyLimits sets the process-wide rlimits the about-to-be-exec'd child
// will inherit, and returns a function that restores the previous
// values. Zero in Configuration means "leave the limit untouched" (spec
// §4.C describes CPU time, memory/address space, process count, open
// files, output file size and stack as the tunable dimensions).
func applyLimits(cfg Configuration) func() {
	type saved struct {
		resource int
		prev     syscall.Rlimit
	}
	var restores []saved

	set := func(resource int, cur, max uint64) {
		var prev syscall.Rlimit
		if syscall.Getrlimit(resource, &prev) == nil {
			restores = append(restores, saved{resource, prev})
		}
		syscall.Setrlimit(resource, &syscall.Rlimit{Cur: cur, Max: max})
	}

	if cfg.CPUTime > 0 {
		secs := uint64(cfg.CPUTime.Seconds() + cfg.ExtraGrace.Seconds())
		if secs == 0 {
			secs = 1
		}
		set(syscall.RLIMIT_CPU, secs, secs)
	}
	if cfg.MemoryKiB > 0 {
		bytes := cfg.MemoryKiB * 1024
		set(syscall.RLIMIT_AS, bytes, bytes)
	}
	if cfg.Processes > 0 {
		set(rlimitNPROC, uint64(cfg.Processes), uint64(cfg.Processes))
	}
	if cfg.OpenFiles > 0 {
		set(syscall.RLIMIT_NOFILE, uint64(cfg.OpenFiles), uint64(cfg.OpenFiles))
	}
	if cfg.OutputSizeKiB > 0 {
		bytes := cfg.OutputSizeKiB * 1024
		set(syscall.RLIMIT_FSIZE, bytes, bytes)
	}
	if cfg.StackKiB > 0 {
		bytes := cfg.StackKiB * 1024
		set(syscall.RLIMIT_STACK, bytes, bytes)
	}

	return func() {
		for _, r := range restores {
			syscall.Setrlimit(r.resource, &r.prev)
		}
	}
}
