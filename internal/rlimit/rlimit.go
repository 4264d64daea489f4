// Package rlimit raises the process's open-file soft limit to its hard
// limit at startup, split per-platform the same way OS-specific syscalls
// are elsewhere in this module.
package rlimit

// RaiseNoFile raises RLIMIT_NOFILE's soft limit to the hard limit, returning
// the before/after soft limit values. On platforms without a meaningful
// rlimit concept it is a no-op.
func RaiseNoFile() (before, after uint64, err error) {
	return raiseNoFile()
}
