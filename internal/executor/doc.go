// Package executor is the server composition root: it owns the file
// store, the execution cache, and the scheduler, and exposes the two
// channel endpoints clients and workers connect to (spec §4.F).
//
// One goroutine accepts on each listener; each accepted connection gets
// its own reading goroutine, matching the "one thread per channel"
// model of spec §5. The scheduler itself runs on its own goroutine,
// driven only by the command channel (internal/scheduler); this
// package's job is to turn wire messages into scheduler calls, and
// scheduler Effects into wire messages, via the clientSession/
// workerSession registries in effects.go.
package executor
