package engine

import (
	"blockstore/index"
	"blockstore/journal"
	"blockstore/layout"
)

// predecessorInfo captures the flags spec.md §4.2 step 1 tracks about the
// object's existing state before an enqueue decides what to do.
type predecessorInfo struct {
	version        uint64 // would-be next version
	dirty          *index.DirtyEntry
	foundDirty     bool
	isDelete       bool
	isWaitDel      bool
	isUnsyncedBig  bool
	unsyncedExists bool
}

func (e *Engine) predecessorFor(oid journal.OID) predecessorInfo {
	info := predecessorInfo{}
	if de, ok := e.dirty.LatestForOID(oid); ok {
		info.dirty = de
		info.foundDirty = true
		info.version = de.Version + 1
		info.isDelete = de.Kind == index.KindDelete
		info.isWaitDel = de.State == index.WaitDel
		info.isUnsyncedBig = de.Kind == index.KindBigWrite && de.State != index.Synced && de.State != index.Stable
		info.unsyncedExists = de.State != index.Synced && de.State != index.Stable
		return info
	}
	if ce, ok := e.clean.Get(oid); ok {
		info.version = ce.Version + 1
		return info
	}
	info.version = 1
	return info
}

// enqueueWrite implements spec.md §4.2 for WRITE and WRITE_STABLE.
func (e *Engine) enqueueWrite(op *Op) {
	if op.Len == 0 && len(op.Data) > 0 {
		op.complete(Result{Err: ErrInvalid})
		return
	}

	pred := e.predecessorFor(op.OID)
	v := pred.version

	waitDel := false
	var realVersion uint64

	if op.Version != 0 {
		switch {
		case op.Version == v:
			// accepted as-is
		case op.Version < v:
			if pred.isDelete || pred.isWaitDel {
				realVersion = op.Version
				waitDel = true
				// v stays the temporary placeholder version assigned above
			} else {
				op.complete(Result{Err: ErrExists})
				return
			}
		default:
			op.complete(Result{Err: ErrInvalid})
			return
		}
	}

	kind := index.KindSmallWrite
	block := uint64(0)
	if op.Len == uint64(e.layout.DataBlockSize) || pred.isDelete {
		kind = index.KindBigWrite
	} else if pred.dirty != nil {
		block = pred.dirty.Block
	} else if ce, ok := e.clean.Get(op.OID); ok {
		block = ce.Block
	}

	state := index.InFlight
	if waitDel {
		state = index.WaitDel
	} else if kind == index.KindSmallWrite && pred.isUnsyncedBig {
		state = index.WaitBig
	}

	bitmap := op.Bitmap
	if bitmap == nil {
		bitmap = layout.NewBitmap(e.layout)
		bitmap.Set(e.layout, op.Offset, op.Len)
		if pred.dirty != nil && pred.dirty.Bitmap != nil {
			bitmap.Merge(pred.dirty.Bitmap)
		} else if ce, ok := e.clean.Get(op.OID); ok && ce.Bitmap != nil {
			bitmap.Merge(ce.Bitmap)
		}
	}

	var checksums []uint32
	if e.layout.CsumType != layout.ChecksumNone && op.Len > 0 {
		checksums = computeChecksums(e.layout, op.Offset, op.Data)
	}

	entry := &index.DirtyEntry{
		OID: op.OID, Version: v, Kind: kind, State: state,
		Instant: op.Code == OpWriteStable,
		Offset:  op.Offset, Len: op.Len, Block: block,
		Bitmap: bitmap, Checksums: checksums, RealVersion: realVersion,
	}
	e.dirty.Insert(entry)
	e.registerPending(op.OID, v, op)

	if waitDel {
		if pred.unsyncedExists {
			e.requestDeferredFlush(op.OID, pred.dirty.Version)
		} else {
			e.requestFlush(op.OID, pred.dirty.Version)
		}
	}

	if state == index.InFlight {
		e.trySubmit(entry)
	}

	if int(e.cfg.AutosyncWrites) > 0 && e.dirty.CountUnsynced() >= int(e.cfg.AutosyncWrites) {
		e.doSync(nil)
	}
}

// enqueueDelete implements spec.md §4.2 step 2-4 for DELETE.
func (e *Engine) enqueueDelete(op *Op) {
	pred := e.predecessorFor(op.OID)
	if pred.foundDirty && pred.isDelete {
		op.complete(Result{Version: 0})
		return
	}
	if !pred.foundDirty {
		if _, ok := e.clean.Get(op.OID); !ok {
			op.complete(Result{Version: 0})
			return
		}
	}

	entry := &index.DirtyEntry{
		OID: op.OID, Version: pred.version, Kind: index.KindDelete, State: index.InFlight,
	}
	e.dirty.Insert(entry)
	e.registerPending(op.OID, entry.Version, op)
	e.trySubmit(entry)
}

// computeChecksums computes CRC32C over each csum_block_size sub-range of
// data, per spec.md §4.2 step 6, padding partial sub-blocks at the ends
// with what's actually present (a reimplementation cannot invent bytes
// outside the write, so a partial edge block's checksum covers only the
// bytes supplied; the flusher recomputes the full-block checksum once the
// write lands next to its neighbors).
func computeChecksums(l *layout.Layout, offset uint64, data []byte) []uint32 {
	if l.CsumBlockSize == 0 || len(data) == 0 {
		return nil
	}
	startBlock := offset / uint64(l.CsumBlockSize)
	endBlock := (offset + uint64(len(data)) - 1) / uint64(l.CsumBlockSize)
	n := endBlock - startBlock + 1
	sums := make([]uint32, n)
	for i := uint64(0); i < n; i++ {
		blockStart := (startBlock+i)*uint64(l.CsumBlockSize) - offset
		blockEnd := blockStart + uint64(l.CsumBlockSize)
		if int64(blockStart) < 0 {
			blockStart = 0
		}
		if blockEnd > uint64(len(data)) {
			blockEnd = uint64(len(data))
		}
		sums[i] = layout.Checksum(data[blockStart:blockEnd])
	}
	return sums
}
