package engine

import "errors"

// Sentinel errors matching spec.md §7's taxonomy, returned as the
// operation completion's Err field instead of a negative errno.
var (
	ErrExists       = errors.New("engine: version conflict")
	ErrNoSpace      = errors.New("engine: no space")
	ErrReadOnly     = errors.New("engine: image is read-only")
	ErrInvalid      = errors.New("engine: invalid argument")
	ErrShuttingDown = errors.New("engine: shutting down")
	ErrChecksum     = errors.New("engine: checksum mismatch on read")
	ErrNotFound     = errors.New("engine: object not found")
)
