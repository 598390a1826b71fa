//go:build linux

package journal

import (
	"errors"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate grows f to size bytes using fallocate, so the journal ring
// occupies contiguous disk space up front rather than growing lazily,
// matching the teacher's wal_linux.go use of a raw fallocate syscall (here
// via the idiomatic x/sys/unix wrapper instead of syscall directly).
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		if err == unix.EOPNOTSUPP {
			return f.Truncate(size)
		}
		return err
	}
	return nil
}

// OpenDirect opens path with O_DIRECT, per spec.md §4.6 ("All files are
// opened with direct I/O"). Some filesystems a store might run on
// (tmpfs, some overlay/network mounts) reject O_DIRECT with EINVAL; rather
// than fail the whole engine open over that, fall back to a buffered open
// and log it, since correctness doesn't depend on O_DIRECT, only on the
// fsync calls already issued at every durability point.
func OpenDirect(path string, flag int, perm os.FileMode, logger *slog.Logger) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_DIRECT, perm)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, unix.EINVAL) {
		if logger != nil {
			logger.Warn("O_DIRECT not supported on this filesystem, falling back to buffered I/O", "path", path)
		}
		return os.OpenFile(path, flag, perm)
	}
	return nil, err
}
