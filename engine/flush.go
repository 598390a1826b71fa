package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"blockstore/index"
	"blockstore/journal"
	"blockstore/layout"
)

// runFlushWave implements spec.md §4.5: drain every STABLE dirty entry
// into the clean area, oldest version first per object, then advance the
// journal's used_start past whatever that freed up.
func (e *Engine) runFlushWave() {
	timer := prometheus.NewTimer(e.metrics.flushDuration)
	defer timer.ObserveDuration()

	var batch []*index.DirtyEntry
	e.dirty.ForEachState(index.Stable, func(de *index.DirtyEntry) bool {
		batch = append(batch, de)
		return true
	})
	if len(batch) == 0 {
		e.journal.Reclaim()
		return
	}

	for _, de := range batch {
		oid := de.OID
		if err := e.flushOne(de); err != nil {
			e.fatal("flush: %s v%d: %v", de.OID, de.Version, err)
			return
		}
		e.metrics.flushedObjects.Inc()
		// Removing de may have unblocked a WAIT_DEL entry parked behind it
		// (spec.md §4.2 step 3's version-restore path).
		e.unparkWaiters(oid)
	}

	e.journal.Reclaim()
	e.retryParked()
}

// flushOne applies one STABLE dirty entry to the clean index/data area and
// removes it from the dirty index, per entry kind (spec.md §4.5 step 2).
func (e *Engine) flushOne(de *index.DirtyEntry) error {
	switch de.Kind {
	case index.KindDelete:
		return e.flushDelete(de)
	case index.KindBigWrite:
		return e.flushBigWrite(de)
	case index.KindSmallWrite:
		return e.flushSmallWrite(de)
	}
	return nil
}

func (e *Engine) flushDelete(de *index.DirtyEntry) error {
	if ce, ok := e.clean.Get(de.OID); ok {
		if err := e.clean.Clear(de.OID, ce.Block); err != nil {
			return err
		}
		e.alloc.Set(ce.Block, false)
	}
	releaseEntrySpan(e.journal, de)
	e.dirty.Remove(de.OID, de.Version)
	return nil
}

// flushBigWrite installs de's already-written data block as the object's
// new clean entry, freeing the block the object previously occupied, if
// any (spec.md §4.5: "a BIG_WRITE's block is already final; flushing it
// just updates metadata and releases the predecessor's block").
func (e *Engine) flushBigWrite(de *index.DirtyEntry) error {
	var prevBlock uint64
	hadPrev := false
	if ce, ok := e.clean.Get(de.OID); ok {
		prevBlock = ce.Block
		hadPrev = true
	}

	if err := e.clean.Set(&index.CleanEntry{
		OID: de.OID, Version: de.Version, Block: de.Block, Bitmap: de.Bitmap, Checksums: de.Checksums,
	}); err != nil {
		return err
	}
	if hadPrev && prevBlock != de.Block {
		if err := e.clean.Clear(de.OID, prevBlock); err != nil {
			return err
		}
		e.alloc.Set(prevBlock, false)
	}
	releaseEntrySpan(e.journal, de)
	e.dirty.Remove(de.OID, de.Version)
	return nil
}

// flushSmallWrite reads the target block, merges the journaled payload
// into it at de.Offset, writes the block back, and updates the clean
// entry's bitmap and per-sub-block checksums (spec.md §4.5's "merge
// SMALL_WRITEs into their target block in version order").
func (e *Engine) flushSmallWrite(de *index.DirtyEntry) error {
	block := make([]byte, e.layout.DataBlockSize)
	ce, ok := e.clean.Get(de.OID)
	if ok {
		if _, err := e.dataFile.ReadAt(block, int64(ce.Block)*int64(e.layout.DataBlockSize)); err != nil {
			return err
		}
	} else {
		// No clean block yet: compose a zero-filled one around the payload
		// in the lowest free data block.
		slot, found := e.alloc.FindFree()
		if !found {
			return ErrNoSpace
		}
		if err := e.clean.AssertZero(slot); err != nil {
			return err
		}
		e.alloc.Set(slot, true)
		ce = &index.CleanEntry{OID: de.OID, Block: slot}
	}

	payload, err := e.journal.ReadAt(de.DataOffset, de.Len)
	if err != nil {
		return err
	}
	copy(block[de.Offset:de.Offset+de.Len], payload)

	if _, err := e.dataFile.WriteAt(block, int64(ce.Block)*int64(e.layout.DataBlockSize)); err != nil {
		return err
	}

	bitmap := de.Bitmap
	if bitmap == nil {
		bitmap = ce.Bitmap
	} else if ce.Bitmap != nil {
		bitmap.Merge(ce.Bitmap)
	}
	checksums := mergeChecksums(e.layout, ce.Checksums, de.Checksums, de.Offset, de.Len)
	// The write's edge sub-blocks carry checksums of only the bytes it
	// supplied; recompute every sub-block it touches from the merged block.
	if e.layout.CsumType != layout.ChecksumNone && de.Len > 0 {
		cs := uint64(e.layout.CsumBlockSize)
		for b := de.Offset / cs; b <= (de.Offset+de.Len-1)/cs; b++ {
			checksums[b] = layout.Checksum(block[b*cs : (b+1)*cs])
		}
	}

	if err := e.clean.Set(&index.CleanEntry{
		OID: de.OID, Version: de.Version, Block: ce.Block, Bitmap: bitmap, Checksums: checksums,
	}); err != nil {
		return err
	}

	releaseEntrySpan(e.journal, de)
	e.dirty.Remove(de.OID, de.Version)
	return nil
}

// mergeChecksums overlays a SMALL_WRITE's freshly computed sub-block
// checksums onto the clean entry's existing set at the affected range,
// recomputing nothing outside it (spec.md §4.5 "checksums are merged, not
// recalculated wholesale").
func mergeChecksums(l *layout.Layout, base, overlay []uint32, offset, length uint64) []uint32 {
	if l.CsumBlockSize == 0 {
		return nil
	}
	n := uint64(l.DataBlockSize) / uint64(l.CsumBlockSize)
	out := make([]uint32, n)
	copy(out, base)
	if len(overlay) == 0 {
		return out
	}
	startBlock := offset / uint64(l.CsumBlockSize)
	for i, c := range overlay {
		idx := startBlock + uint64(i)
		if idx < n {
			out[idx] = c
		}
	}
	return out
}

// releaseEntrySpan returns a flushed dirty entry's journal span to the
// ring. For SMALL_WRITE, that span covers both the entry and its trailing
// payload; for DELETE and BIG_WRITE, just the entry (spec.md §4.5
// "journal sectors whose last referencing dirty entry has been flushed
// are released").
func releaseEntrySpan(r *journal.Ring, de *index.DirtyEntry) {
	switch de.Kind {
	case index.KindSmallWrite:
		span := (de.DataOffset + de.Len) - de.JournalOffset
		r.Release(de.JournalOffset, span)
	case index.KindDelete, index.KindBigWrite:
		if de.JournalOffset == 0 && de.Version == 0 {
			return
		}
		// Entry size isn't retained on DirtyEntry for these kinds since their
		// journal span is a single fixed-shape entry; recompute it the same
		// way Append did.
		typ := journal.TypeDelete
		if de.Kind == index.KindBigWrite {
			typ = journal.TypeBigWrite
			if de.Instant {
				typ = journal.TypeBigWriteInstant
			}
		}
		je := &journal.Entry{Type: typ, OID: de.OID, Version: de.Version, Offset: de.Offset, Len: de.Len, Block: de.Block, Bitmap: de.Bitmap, Checksums: de.Checksums}
		r.Release(de.JournalOffset, uint64(je.EncodedSize(r.Layout())))
	}
}

// requestFlush and requestDeferredFlush implement the WAIT_DEL unshift
// path of spec.md §4.2 step 3 / §4.5's "unshift_flush" hook: a DELETE or
// overwriting WRITE landed behind a smaller explicit version, so the
// blocking predecessor must flush (synchronously if already durable,
// otherwise once it becomes durable) before the waiting entry can proceed.
func (e *Engine) requestFlush(oid journal.OID, predecessorVersion uint64) {
	if de, ok := e.dirty.Get(oid, predecessorVersion); ok {
		if err := e.flushOne(de); err == nil {
			e.journal.Reclaim()
		}
	}
	e.unparkWaiters(oid)
}

// requestDeferredFlush marks the intent to flush oid's predecessor once it
// becomes durable; the regular flush wave picks it up once it reaches
// STABLE, so this only needs to make sure the waiter gets retried once
// that happens.
func (e *Engine) requestDeferredFlush(oid journal.OID, predecessorVersion uint64) {
	e.unparkWaiters(oid)
}

// unparkWaiters promotes any WAIT_DEL entry for oid whose blocking
// predecessor is now gone (flushed or otherwise resolved) to IN_FLIGHT.
func (e *Engine) unparkWaiters(oid journal.OID) {
	for _, de := range e.dirty.AllForOID(oid) {
		if de.State == index.WaitDel {
			if _, stillBlocked := e.dirty.Get(oid, de.Version-1); !stillBlocked {
				de.State = index.InFlight
				e.trySubmit(de)
			}
		}
	}
}
