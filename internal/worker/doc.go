// Package worker implements the worker-side end of the worker channel
// protocol: registering, accepting assigned execution groups,
// fetching missing input bytes, running each execution in its group
// concurrently under the sandbox package, and reporting results (spec.md
// §4.D).
//
// A worker is stateless across groups beyond its local file-store cache
// (internal/store): losing the connection to the executor mid-group is
// handled entirely on the executor side, by re-dispatching the group
// elsewhere (spec §4.D, §4.E).
//
// One goroutine reads the channel (Serve); one goroutine runs per group
// (runGroup), internally fanning out one further goroutine per
// execution via errgroup — matching the thread model of spec §5
// ("one thread per concurrent sandbox in a group").
package worker
