// Package sandbox runs one process under resource limits and best-effort
// filesystem/credential isolation, reporting its exit status and resource
// usage (spec.md §4.C).
//
// # Helper protocol
//
// The actual isolation work happens in a short-lived helper subprocess
// (cmd/sandbox-helper) so a sandbox crash or kernel-feature failure never
// takes the worker process down with it (spec §4.C, §6, §7). The worker
// talks to the helper over its stdin/stdout:
//
//	worker -> helper: JSON Configuration on stdin
//	helper -> worker: JSON Result on stdout, either
//	                  {"success": {...status, resource_usage}}
//	                  {"error": "message"}
//
// A non-zero exit of the helper itself (as opposed to the user program it
// ran) is always a bug and is reported as StatusInternalError (spec §6).
//
// # Isolation model
//
// Go has no direct equivalent of a Linux-namespace "unshare" standard
// library call, so the helper's isolation is best-effort relative to a
// full container sandbox: a dedicated process group, rlimits, a
// wall-time kill and an unprivileged uid/gid when configured. It does
// not chroot, mount or unshare anything: the Configuration fields
// ReadOnlyRoot, MountTmpfs, MountProc, ExtraReadPaths, FIFODir and
// AllowFork are carried over the protocol but not acted on, so the
// process sees the host filesystem with the permissions of its uid.
package sandbox
