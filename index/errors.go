package index

import "errors"

var (
	ErrNotFound = errors.New("index: no clean entry")
	ErrCorrupt  = errors.New("index: metadata corruption")
)
