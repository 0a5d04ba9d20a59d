// Package scheduler implements the executor's dispatch logic: tracking
// which groups are ready to run, which workers are free, and routing
// completions, failures, and disconnects back into readiness decisions
// (spec.md §4.E).
//
// # Ownership model
//
// A single goroutine owns all scheduler state — the ready queue, the
// worker table, and the file-handle readiness table — mirroring the
// "single scheduler thread... sole mutator of cache, store index, and
// dispatch maps" model of spec §5. Every other goroutine (one per
// connected client or worker) communicates with it exclusively by
// sending a command on its channel through the exported Submit*/Notify*
// methods; the scheduler never takes a lock
// itself, since there is only ever one reader of its state.
//
// Commands are processed one at a time by Run, which calls back into
// the Effects interface supplied at construction to actually dispatch
// work to a worker, cancel a group on a worker, or emit an event to a
// client — keeping the state machine here testable without a real
// transport. The cache is used directly by the scheduler, not through
// Effects.
package scheduler
