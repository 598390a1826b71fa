package engine

import (
	"fmt"

	"blockstore/index"
	"blockstore/journal"
)

// trySubmit attempts to move entry out of its current queued state and
// onto disk, implementing spec.md §4.3. A WAIT_BIG/WAIT_DEL entry is left
// untouched; its predecessor's advance (in the flusher or sync engine)
// will retry it.
func (e *Engine) trySubmit(entry *index.DirtyEntry) {
	if entry.State == index.WaitBig || entry.State == index.WaitDel {
		return
	}
	// write_iodepth admission gate (blockstore_write.cpp line 297): once
	// max_write_iodepth in-flight writes are outstanding, park further
	// submissions until one completes and retryParked wakes them back up.
	if e.cfg.MaxWriteIODepth > 0 && uint32(e.writeIodepth) >= e.cfg.MaxWriteIODepth {
		e.park(entry)
		return
	}

	if entry.RealVersion != 0 {
		if !e.checkVersionRestore(entry) {
			return // cancelChain already completed this op with ErrExists
		}
	}

	switch entry.Kind {
	case index.KindDelete:
		e.submitDelete(entry)
	case index.KindBigWrite:
		e.submitBigWrite(entry)
	case index.KindSmallWrite:
		e.submitSmallWrite(entry)
	}
}

// checkVersionRestore implements spec.md §4.3's "Version restore": just
// before submission, verify no intervening dirty entry with
// version >= real_version exists; if so cancel this op and everything
// chained behind it, else re-key the entry from its temporary version to
// real_version.
func (e *Engine) checkVersionRestore(entry *index.DirtyEntry) bool {
	for _, other := range e.dirty.AllForOID(entry.OID) {
		if other == entry {
			continue
		}
		if other.Version >= entry.RealVersion {
			e.cancelChain(entry.OID, entry.Version, fmt.Errorf("%w: conflicting version %d already present", ErrExists, other.Version))
			return false
		}
	}

	old := entry.Version
	op := e.pending[pendingKey{entry.OID, old}]
	delete(e.pending, pendingKey{entry.OID, old})
	// Rekey mutates entry in place (same *DirtyEntry, new map key), so
	// entry.Version/RealVersion already reflect the restored version once
	// this returns.
	e.dirty.Rekey(entry.OID, old, entry.RealVersion)
	e.registerPending(entry.OID, entry.Version, op)
	return true
}

// cancelChain removes the dirty entry at (oid, version) plus every later
// same-object entry still queued (not yet Synced), completing each with
// err. This is blockstore_write.cpp's cancel_all_writes, supplemented per
// SPEC_FULL.md §5.
func (e *Engine) cancelChain(oid journal.OID, fromVersion uint64, err error) {
	for _, other := range e.dirty.AllForOID(oid) {
		if other.Version < fromVersion {
			continue
		}
		if other.State == index.Synced || other.State == index.Stable {
			continue
		}
		e.dirty.Remove(oid, other.Version)
		e.completeWrite(other, Result{Err: err})
	}
}

func (e *Engine) submitDelete(entry *index.DirtyEntry) {
	je := &journal.Entry{Type: journal.TypeDelete, OID: entry.OID, Version: entry.Version}
	offset, err := e.journal.Append(je)
	if err != nil {
		e.park(entry)
		return
	}
	entry.JournalOffset = offset
	e.beginWrite(entry.OID, entry.Version)
	e.finishSubmission(entry)
}

func (e *Engine) submitBigWrite(entry *index.DirtyEntry) {
	block, ok := e.alloc.FindFree()
	if !ok {
		e.runFlushWave()
		block, ok = e.alloc.FindFree()
		if !ok {
			e.cancelChain(entry.OID, entry.Version, ErrNoSpace)
			return
		}
	}
	if err := e.clean.AssertZero(block); err != nil {
		e.fatal("metadata entry for freshly allocated block %d is not empty: %v", block, err)
		return
	}

	typ := journal.TypeBigWrite
	if entry.Instant {
		typ = journal.TypeBigWriteInstant
	}
	je := &journal.Entry{
		Type: typ, OID: entry.OID, Version: entry.Version,
		Offset: entry.Offset, Len: entry.Len, Block: block,
		Bitmap: entry.Bitmap, Checksums: entry.Checksums,
	}
	needed := uint64(je.EncodedSize(e.layout))
	if !e.journal.HasSpace(needed) {
		e.park(entry)
		return
	}

	if err := e.writeDataBlock(block, entry.Offset, e.pendingData(entry)); err != nil {
		e.fatal("data write failed at block %d: %v", block, err)
		return
	}
	e.alloc.Set(block, true)
	entry.Block = block

	offset, err := e.journal.Append(je)
	if err != nil {
		e.fatal("journal append failed for BIG_WRITE after data write: %v", err)
		return
	}
	entry.JournalOffset = offset
	e.beginWrite(entry.OID, entry.Version)
	e.finishSubmission(entry)
}

func (e *Engine) submitSmallWrite(entry *index.DirtyEntry) {
	typ := journal.TypeSmallWrite
	if entry.Instant {
		typ = journal.TypeSmallWriteInstant
	}
	je := &journal.Entry{
		Type: typ, OID: entry.OID, Version: entry.Version,
		Offset: entry.Offset, Len: entry.Len,
		Bitmap: entry.Bitmap, Checksums: entry.Checksums,
	}
	needed := uint64(je.EncodedSize(e.layout)) + entry.Len
	if !e.journal.HasSpace(needed) {
		e.park(entry)
		return
	}

	offset, err := e.journal.Append(je)
	if err != nil {
		e.park(entry)
		return
	}
	entry.JournalOffset = offset
	entry.DataOffset = offset + uint64(je.EncodedSize(e.layout))

	data := e.pendingData(entry)
	if len(data) > 0 {
		if err := e.journal.WritePayload(entry.DataOffset, data); err != nil {
			e.fatal("journal payload write failed: %v", err)
			return
		}
	}
	e.beginWrite(entry.OID, entry.Version)
	e.finishSubmission(entry)
}

// pendingData returns the caller's write buffer for entry, looked up via
// the pending-op table since the dirty entry itself doesn't retain it.
func (e *Engine) pendingData(entry *index.DirtyEntry) []byte {
	if op, ok := e.pending[pendingKey{entry.OID, entry.Version}]; ok {
		return op.Data
	}
	return nil
}

// finishSubmission advances entry past SUBMITTED/WRITTEN and, under an
// immediate-commit mode that applies to its kind, all the way to
// SYNCED/STABLE, completing its caller's Op right away. Otherwise it
// waits for the next sync wave (spec.md §4.4).
func (e *Engine) finishSubmission(entry *index.DirtyEntry) {
	entry.State = index.Written

	if !e.immediateFsyncFor(entry.Kind) {
		return
	}
	if err := e.journal.Sync(); err != nil {
		e.fatal("journal fsync failed: %v", err)
		return
	}
	if entry.Kind == index.KindBigWrite {
		if err := e.dataFile.Sync(); err != nil {
			e.fatal("data fsync failed: %v", err)
			return
		}
	}
	entry.State = index.Synced
	// Unblock same-object SMALL_WRITEs parked in WAIT_BIG only here, the
	// one case where a BIG_WRITE's ack transitions straight to SYNCED
	// (blockstore_write.cpp:609,647-658: imm is true for a big write only
	// under IMMEDIATE_ALL, which is exactly when immediateFsyncFor above
	// let a BIG_WRITE reach this point). The general, non-immediate case
	// is unblocked later by doSync's own WRITTEN->SYNCED promotion.
	if entry.Kind == index.KindBigWrite {
		e.promoteWaitBig(entry.OID, entry.Version)
	}
	if entry.Instant {
		entry.State = index.Stable
	}
	e.completeWrite(entry, Result{Version: entry.Version})
}

func (e *Engine) immediateFsyncFor(kind index.WriteKind) bool {
	switch e.cfg.ImmediateCommit {
	case CommitAll:
		return true
	case CommitSmall:
		return kind != index.KindBigWrite
	default:
		return false
	}
}

// promoteWaitBig promotes same-object SMALL_WRITEs parked in WAIT_BIG
// once their blocking BIG_WRITE reaches SYNCED (spec.md §4.3:
// "any same-object SMALL_WRITEs parked in WAIT_BIG are promoted to
// IN_FLIGHT").
func (e *Engine) promoteWaitBig(oid journal.OID, bigVersion uint64) {
	for _, other := range e.dirty.AllForOID(oid) {
		if other.State == index.WaitBig && other.Version > bigVersion {
			other.State = index.InFlight
			e.trySubmit(other)
		}
	}
}

// park defers entry for retry once the flusher frees journal space or a
// write_iodepth slot frees up (spec.md §5 suspension points). A BIG_WRITE
// that finds no free data block is cancelled with ErrNoSpace, not parked.
func (e *Engine) park(entry *index.DirtyEntry) {
	for _, p := range e.parked {
		if p == entry {
			return
		}
	}
	e.parked = append(e.parked, entry)
}

// retryParked re-attempts every parked submission, called after a flush
// wave advances the journal's used_start or frees allocator blocks
// (spec.md S4: "after the flusher advances used_start the op resumes and
// completes").
func (e *Engine) retryParked() {
	if len(e.parked) == 0 {
		return
	}
	pending := e.parked
	e.parked = nil
	for _, entry := range pending {
		if _, ok := e.dirty.Get(entry.OID, entry.Version); !ok {
			continue // cancelled while parked
		}
		e.metrics.walkedParked.Inc()
		e.trySubmit(entry)
	}
}

func (e *Engine) writeDataBlock(block uint64, offset uint64, data []byte) error {
	base := int64(block) * int64(e.layout.DataBlockSize)
	alignedOffset := (offset / uint64(e.layout.BitmapGranularity)) * uint64(e.layout.BitmapGranularity)
	pad := offset - alignedOffset
	buf := make([]byte, pad+uint64(len(data)))
	copy(buf[pad:], data)
	_, err := e.dataFile.WriteAt(buf, base+int64(alignedOffset))
	return err
}
