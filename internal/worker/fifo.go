package worker

import "syscall"

// makeFIFO creates a named pipe at path, shared by every execution in a
// group that references the same dag.FIFO (spec §4.D, step 4).
func makeFIFO(path string) error {
	return syscall.Mkfifo(path, 0o600)
}
