// Package cache implements the execution cache of spec.md §4.B: a
// persistent map from cache key (data hash, variant hash) to the list of
// prior results for execution groups sharing that key.
//
// # File format
//
//	<magic 16 bytes "task-maker-cache"><version 16 bytes, zero-padded><msgpack entries>
//
// A magic or version mismatch rejects the file wholesale — there is no
// migration path (spec §9, resolved as an Open Question in DESIGN.md):
// a version bump invalidates the whole cache rather than attempting a
// best-effort upgrade of the old format.
package cache
