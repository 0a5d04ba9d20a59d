// Package store implements the content-addressed blob store described in
// spec.md §4.A: a disk-backed map from content hash to file, sharded two
// bytes deep, with reference-counted handles that pin entries against
// size-bounded LRU eviction.
//
// # Layout
//
//	<base>/
//	  lock                    # exclusive-lock sentinel
//	  store_info              # JSON index {key -> {last_access, size}}
//	  <aa>/<bb>/<full-hash>    # blob files, read-only
//
// # Concurrency
//
// One process owns a Store directory at a time, enforced by an exclusive
// OS-level lock on "lock" acquired in Open. Within a process, Store is
// safe for concurrent use: the in-memory index is guarded by a mutex, and
// individual blob files are written atomically (temp file + rename) so
// readers never observe a partial write (spec §3 invariant 5).
package store
