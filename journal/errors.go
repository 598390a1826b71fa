package journal

import "errors"

// Sentinel errors, matching the teacher's constants.go style of a single
// var block of errors.New values.
var (
	ErrChecksum    = errors.New("journal: entry checksum mismatch")
	ErrChainBroken = errors.New("journal: chain CRC mismatch")
	ErrNoSpace     = errors.New("journal: insufficient contiguous space")
	ErrClosed      = errors.New("journal: ring closed")
)
