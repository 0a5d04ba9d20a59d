// Package dag holds the data model shared by every other package in this
// module: file handles, executions, execution groups and the DAG that ties
// them together. See spec.md §3 for the authoritative description; this
// package is a direct rendering of it that imports no other package of
// this module.
//
// # Overview
//
// A DAG is a set of execution groups plus a set of provided files. Edges
// are implicit: an execution depends on the file handles it references as
// inputs or stdin. Dependencies are resolved by the scheduler package, not
// here — this package models the shape of the graph and walks it only in
// DAG.Validate's cycle check.
//
// # Ownership
//
// A DAG is exclusively owned by the scheduler from submission until
// completion. Handles returned from this package (FileHandle, Execution)
// are values, safe to copy and share across goroutines; the mutable state
// attached to them (readiness, results) lives in the scheduler, not here.
package dag
