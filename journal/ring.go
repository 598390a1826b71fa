package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"blockstore/layout"
)

// Ring is the journal: a fixed-size circular region of a device file,
// holding a chain of CRC-linked entries. It owns the journal file
// descriptor exclusively, matching spec.md §5's resource ownership model
// and the teacher's wal.go single-owner WAL struct.
type Ring struct {
	mu sync.Mutex

	f      *os.File
	path   string
	layout *layout.Layout
	logger *slog.Logger

	blockSize uint64
	size      uint64 // total ring size in bytes (blocks * blockSize)

	usedStart uint64 // oldest live byte offset
	nextFree  uint64 // next write position
	chainCRC  uint32

	inMemory bool
	mirror   []byte // full ring contents, kept in sync with the file when inMemory is set

	refs map[uint64]int // block index -> live dirty-entry references
}

// Options configures a Ring at Open.
type Options struct {
	Blocks   uint64 // total number of journal_block_size blocks in the ring
	InMemory bool   // keep a full in-memory mirror (config's inmemory_journal)
}

// Open opens or creates the journal file at path with direct I/O
// (OpenDirect, spec.md §4.6), sizing it to
// opts.Blocks*layout.JournalBlockSize and preallocating it with
// platform-specific fallocate (ring_linux.go / ring_fallback.go, grounded
// on the teacher's wal_linux.go/wal_fallback.go split).
func Open(path string, l *layout.Layout, opts Options, logger *slog.Logger) (*Ring, error) {
	if opts.Blocks < 2 {
		return nil, fmt.Errorf("journal: ring needs at least 2 blocks, got %d", opts.Blocks)
	}
	f, err := OpenDirect(path, os.O_CREATE|os.O_RDWR, 0o644, logger)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	size := opts.Blocks * uint64(l.JournalBlockSize)
	if err := preallocate(f, int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: preallocate %s: %w", path, err)
	}

	r := &Ring{
		f:         f,
		path:      path,
		layout:    l,
		logger:    logger,
		blockSize: uint64(l.JournalBlockSize),
		size:      size,
		inMemory:  opts.InMemory,
		refs:      make(map[uint64]int),
	}

	if opts.InMemory {
		r.mirror = make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), r.mirror); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			_ = f.Close()
			return nil, fmt.Errorf("journal: read mirror: %w", err)
		}
	}

	return r, nil
}

// Bootstrap writes the initial START entry into a freshly created ring
// (all-zero contents) and initializes usedStart/nextFree/chainCRC. Callers
// that opened an existing non-empty ring should call Recover instead.
func (r *Ring) Bootstrap() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := &Entry{Type: TypeStart}
	buf, chain := Encode(start, r.layout, 0)
	if err := r.writeAt(0, buf); err != nil {
		return err
	}
	r.usedStart = 0
	r.nextFree = uint64(len(buf))
	r.chainCRC = chain
	return nil
}

func (r *Ring) blockIndex(offset uint64) uint64 {
	return offset / r.blockSize
}

// reserve picks a write offset for a size-byte entry, returning ok=false
// if it would overrun used_start (spec.md §4.3's preflight space check).
// wrapOffset is block-aligned and skips block 0, the ring's reserved
// header block ("wrap to the first non-header block").
func (r *Ring) reserve(size uint64) (offset uint64, ok bool) {
	if r.usedStart <= r.nextFree {
		// Not wrapped: live data spans [usedStart, nextFree); anything
		// before usedStart has already been reclaimed and is free.
		if end := r.nextFree + size; end <= r.size {
			return r.nextFree, true
		}
		wrapOffset := r.blockSize // skip the reserved header block
		if wrapOffset+size > r.usedStart {
			return 0, false // no reclaimed room to wrap into
		}
		return wrapOffset, true
	}
	// Already wrapped: live data spans [usedStart, size) and
	// [blockSize, nextFree); the free gap is exactly [nextFree, usedStart).
	if end := r.nextFree + size; end <= r.usedStart {
		return r.nextFree, true
	}
	return 0, false
}

// HasSpace reports whether an entry of size bytes can be appended right
// now without parking, letting callers implement the enqueue-time
// preflight check of spec.md §4.3 before doing any real work.
func (r *Ring) HasSpace(size uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.reserve(size)
	return ok
}

// Append serializes e, seals it onto the chain, and writes it at the next
// available ring position. For SMALL_WRITE*/SMALL_WRITE_INSTANT entries it
// also reserves the e.Len bytes of payload space immediately following the
// entry (spec.md §6: "small-write data follows the sector boundary at
// data_offset"), so the caller's subsequent WritePayload at the returned
// offset's successor never collides with the next Append. It returns the
// byte offset the entry itself was written at.
func (r *Ring) Append(e *Entry) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entrySize := uint64(e.EncodedSize(r.layout))
	payloadSize := uint64(0)
	if e.Type == TypeSmallWrite || e.Type == TypeSmallWriteInstant {
		payloadSize = e.Len
	}
	total := entrySize + payloadSize

	offset, ok := r.reserve(total)
	if !ok {
		return 0, ErrNoSpace
	}

	buf, chain := Encode(e, r.layout, r.chainCRC)
	if err := r.writeAt(offset, buf); err != nil {
		return 0, err
	}

	r.chainCRC = chain
	r.nextFree = offset + total
	r.addRefLocked(offset, total)
	return offset, nil
}

// WritePayload writes a SMALL_WRITE's data payload at the given journal
// byte offset, immediately following its entry (spec.md §6: "small-write
// data follows the sector boundary at data_offset"). The span was already
// reserved and ref-counted by the Append call that wrote the entry, so this
// only writes bytes.
func (r *Ring) WritePayload(offset uint64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := offset + uint64(len(data))
	if end > r.size {
		return fmt.Errorf("journal: payload at %d len %d overruns ring size %d", offset, len(data), r.size)
	}
	return r.writeAt(offset, data)
}

func (r *Ring) writeAt(offset uint64, buf []byte) error {
	if _, err := r.f.WriteAt(buf, int64(offset)); err != nil {
		return fmt.Errorf("journal: write at %d: %w", offset, err)
	}
	if r.inMemory {
		copy(r.mirror[offset:], buf)
	}
	return nil
}

// ReadAt reads length bytes at the given journal byte offset, from the
// in-memory mirror if enabled, else from the file.
func (r *Ring) ReadAt(offset uint64, length uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, length)
	if r.inMemory {
		copy(buf, r.mirror[offset:offset+length])
		return buf, nil
	}
	if _, err := r.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("journal: read at %d: %w", offset, err)
	}
	return buf, nil
}

func (r *Ring) addRefLocked(offset, size uint64) {
	first := r.blockIndex(offset)
	last := r.blockIndex(offset + size - 1)
	for b := first; b <= last; b++ {
		r.refs[b]++
	}
}

// Release drops one reference from each block spanning [offset,
// offset+size) that still holds one, called once the flusher has
// copied that content into the clean area (spec.md §4.5 "journal sectors
// whose last referencing dirty entry has been flushed are released").
func (r *Ring) Release(offset, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := r.blockIndex(offset)
	last := r.blockIndex(offset + size - 1)
	for b := first; b <= last; b++ {
		if r.refs[b] > 0 {
			r.refs[b]--
			if r.refs[b] == 0 {
				delete(r.refs, b)
			}
		}
	}
}

// Reclaim advances used_start past any fully-dereferenced leading blocks,
// stopping at the first still-referenced block or at next_free.
func (r *Ring) Reclaim() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.usedStart != r.nextFree {
		b := r.blockIndex(r.usedStart)
		if r.refs[b] > 0 {
			break
		}
		next := r.usedStart + r.blockSize
		if next >= r.size {
			next = r.blockSize // skip the reserved header block on wrap
		}
		if r.usedStart <= r.nextFree && next > r.nextFree {
			// Don't advance past the write head: everything up to it is
			// already reclaimed, but the block it sits in is still live.
			r.usedStart = r.nextFree
			break
		}
		r.usedStart = next
	}
	return r.usedStart
}

// Layout returns the layout the ring was opened with, for callers that
// need to recompute an entry's encoded size (e.g. releasing a journal
// span by reconstructing the Entry that was appended there).
func (r *Ring) Layout() *layout.Layout {
	return r.layout
}

// UsedStart and NextFree expose the ring pointers for metrics and for the
// index package's recovery checkpoint.
func (r *Ring) UsedStart() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedStart
}

func (r *Ring) NextFree() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextFree
}

// FreeFraction reports the fraction of the ring currently unreserved,
// feeding the throttling formula's "free journal fraction" term.
func (r *Ring) FreeFraction() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var live uint64
	if r.nextFree >= r.usedStart {
		live = r.nextFree - r.usedStart
	} else {
		live = r.size - r.usedStart + r.nextFree
	}
	return 1.0 - float64(live)/float64(r.size)
}

// Sync fsyncs the journal file, matching wal.go's Sync.
func (r *Ring) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Sync()
}

// Close closes the journal file.
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// SetPosition restores usedStart/nextFree/chainCRC after a fast recovery
// from a persisted checkpoint (index.Checkpoint's Put/Get), skipping a
// full Recover scan.
func (r *Ring) SetPosition(usedStart, nextFree uint64, chainCRC uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedStart = usedStart
	r.nextFree = nextFree
	r.chainCRC = chainCRC
}

// Recover replays the ring from usedStart (or from a fast-recovery start
// position set via SetPosition beforehand), calling cb for every valid
// entry in order. A zero header skips ahead to the next block boundary.
// It stops at the end of the ring, an implausible entry size, a short
// read, a CRC mismatch, or a chain break, much as store.go's recover()
// stops and truncates the WAL on a bad record, the difference being a
// ring has no logical "end" to truncate to — the stop point becomes the
// new next_free.
func (r *Ring) Recover(cb func(e *Entry, offset uint64) error) error {
	r.mu.Lock()
	offset := r.usedStart
	chain := r.chainCRC
	r.mu.Unlock()

	header := make([]byte, headerSize)
	for {
		if _, err := r.f.ReadAt(header, int64(offset)); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("journal: recover read at %d: %w", offset, err)
		}

		if isZero(header) {
			next := (offset/r.blockSize + 1) * r.blockSize
			if next >= r.size {
				break
			}
			offset = next
			continue
		}

		size := binary.BigEndian.Uint32(header[1:5])
		if size < headerSize || uint64(size) > r.size {
			r.logger.Warn("journal: implausible entry size, stopping recovery", "offset", offset, "size", size)
			break
		}
		buf := make([]byte, size)
		copy(buf, header)
		if size > headerSize {
			if _, err := r.f.ReadAt(buf[headerSize:], int64(offset)+headerSize); err != nil {
				r.logger.Warn("journal: short read during recovery", "offset", offset, "err", err)
				break
			}
		}

		e, n, err := Decode(buf, r.layout, chain)
		if err != nil {
			r.logger.Warn("journal: stopping recovery", "offset", offset, "err", err)
			break
		}

		var crcBytes [4]byte
		binary.BigEndian.PutUint32(crcBytes[:], binary.BigEndian.Uint32(buf[5:9]))
		chain = layout.ChecksumUpdate(chain, crcBytes[:])

		if err := cb(e, offset); err != nil {
			return err
		}

		nextOffset := offset + uint64(n)
		if e.Type == TypeSmallWrite || e.Type == TypeSmallWriteInstant {
			nextOffset += e.Len
		}
		offset = nextOffset
		if offset >= r.size {
			offset = r.blockSize
		}
	}

	r.mu.Lock()
	r.nextFree = offset
	r.chainCRC = chain
	r.mu.Unlock()
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
