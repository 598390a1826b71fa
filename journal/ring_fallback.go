//go:build !linux

package journal

import (
	"log/slog"
	"os"
)

// preallocate falls back to a plain truncate on non-Linux platforms,
// matching the teacher's wal_fallback.go no-op-on-punch-hole approach:
// logically correct, but without the physical space guarantee fallocate
// gives on Linux.
func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}

// OpenDirect has no O_DIRECT equivalent wired on this platform (it's a
// Linux-specific open flag); opens path with ordinary buffered I/O,
// matching the teacher's wal_fallback.go pattern of degrading gracefully
// on non-Linux targets rather than failing outright.
func OpenDirect(path string, flag int, perm os.FileMode, logger *slog.Logger) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
