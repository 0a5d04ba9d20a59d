// Package client is a thin wrapper around the client channel protocol
// (spec §4.F, §4.G): dial the executor, submit one DAG, and receive its
// execution events as they happen. It plays the same role
// internal/cluster/types.go's PostJSON/GetJSON helpers play for the
// teacher's coordinator/node protocol, adapted from one-shot HTTP
// request/response to a persistent channel carrying a stream of events.
//
// One goroutine owns the connection's Recv loop for its whole lifetime,
// matching spec §5's "one thread reads the channel" model; callbacks
// passed to Submit run synchronously on that goroutine, so a callback
// must not itself call FetchFile (it would deadlock waiting on the very
// loop it is blocking).
package client
