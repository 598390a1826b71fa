package engine

import (
	"blockstore/journal"
	"blockstore/layout"
)

// Opcode enumerates the operation interface spec.md §6 exposes to the
// primary/RPC layer (out of scope here; this engine is its sole
// collaborator).
type Opcode uint8

const (
	OpRead Opcode = iota
	OpWrite
	OpWriteStable
	OpDelete
	OpSync
	OpList
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpWriteStable:
		return "WRITE_STABLE"
	case OpDelete:
		return "DELETE"
	case OpSync:
		return "SYNC"
	case OpList:
		return "LIST"
	default:
		return "UNKNOWN"
	}
}

// Result is delivered to an operation's Done callback on completion.
type Result struct {
	Version uint64
	Data    []byte
	Bitmap  layout.Bitmap
	Err     error
}

// Op is an operation descriptor: the engine's sole external interface
// (spec.md §6). Done is called exactly once, from the engine's single
// loop goroutine; it must not block.
type Op struct {
	Code    Opcode
	OID     journal.OID
	Version uint64 // caller-requested; 0 = auto-assign
	Offset  uint64
	Len     uint64
	Data    []byte
	Bitmap  layout.Bitmap // optional caller-supplied presence bitmap

	// List filters, OpList only (spec.md §6: "enumerate stable objects
	// within a PG-number/count filter for a given inode range"). PGCount
	// == 0 disables the PG filter (every stripe matches); otherwise only
	// objects whose stripe falls in PG PGNumber out of PGCount pass,
	// grounded on osd_scrub.cpp's scrub_list (bs_op.pg_count/pg_number) —
	// PG-stripe-size bucketing belongs to the OSD/PG layer spec.md places
	// out of scope for this single-node engine, so the filter here acts
	// directly on Stripe rather than reproducing map_to_pg's pg_stripe_size
	// division.
	MinInode uint64
	MaxInode uint64
	PGCount  uint32
	PGNumber uint32

	Done func(Result)

	// resume, when set, marks this as an internal continuation rather
	// than a caller request: dispatch runs it directly instead of
	// decoding Code, used to re-enter the loop goroutine after a
	// throttling delay (blockstore_write.cpp's timer-driven op_state
	// resume, throttle.go).
	resume func()
}

func (op *Op) complete(r Result) {
	if op.Done != nil {
		op.Done(r)
	}
}
