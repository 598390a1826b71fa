package engine

import (
	"blockstore/index"
	"blockstore/journal"
	"blockstore/layout"
)

// handleRead implements spec.md §6 READ: the clean entry overlaid by every
// not-yet-WAIT_DEL/WAIT_BIG dirty entry for the object, in version order,
// so a reader sees its own just-submitted writes without waiting for a
// sync (single-writer read-your-writes, matching store.go's read-through-
// pending-log behavior).
func (e *Engine) handleRead(op *Op) {
	ce, haveBase := e.clean.Get(op.OID)

	var block []byte
	var bitmap layout.Bitmap
	var checksums []uint32
	var version uint64
	exists := haveBase

	if haveBase {
		version = ce.Version
		bitmap = ce.Bitmap.Clone()
		checksums = append([]uint32(nil), ce.Checksums...)
		block = make([]byte, e.layout.DataBlockSize)
		if _, err := e.dataFile.ReadAt(block, int64(ce.Block)*int64(e.layout.DataBlockSize)); err != nil {
			op.complete(Result{Err: err})
			return
		}
	} else {
		block = make([]byte, e.layout.DataBlockSize)
	}

	for _, de := range e.dirty.AllForOID(op.OID) {
		if de.State == index.WaitDel || de.State == index.WaitBig {
			continue
		}
		switch de.Kind {
		case index.KindDelete:
			exists = false
			version = de.Version
			bitmap = nil
			checksums = nil
			for i := range block {
				block[i] = 0
			}
		case index.KindBigWrite:
			exists = true
			version = de.Version
			if _, err := e.dataFile.ReadAt(block, int64(de.Block)*int64(e.layout.DataBlockSize)); err != nil {
				op.complete(Result{Err: err})
				return
			}
			bitmap = de.Bitmap.Clone()
			checksums = append([]uint32(nil), de.Checksums...)
		case index.KindSmallWrite:
			exists = true
			version = de.Version
			payload, err := e.journal.ReadAt(de.DataOffset, de.Len)
			if err != nil {
				op.complete(Result{Err: err})
				return
			}
			copy(block[de.Offset:de.Offset+de.Len], payload)
			if bitmap == nil {
				bitmap = de.Bitmap.Clone()
			} else if de.Bitmap != nil {
				bitmap.Merge(de.Bitmap)
			}
			checksums = mergeChecksums(e.layout, checksums, de.Checksums, de.Offset, de.Len)
			// Edge sub-blocks of a SMALL_WRITE carry checksums of only the
			// bytes it supplied; recompute the ones it touches from block.
			if e.layout.CsumType != layout.ChecksumNone && de.Len > 0 {
				cs := uint64(e.layout.CsumBlockSize)
				for b := de.Offset / cs; b <= (de.Offset+de.Len-1)/cs; b++ {
					checksums[b] = layout.Checksum(block[b*cs : (b+1)*cs])
				}
			}
		}
	}

	if !exists {
		op.complete(Result{Err: ErrNotFound})
		return
	}

	start := op.Offset
	end := op.Offset + op.Len
	if op.Len == 0 {
		end = uint64(e.layout.DataBlockSize)
	}
	if end > uint64(e.layout.DataBlockSize) || start > end {
		op.complete(Result{Err: ErrInvalid})
		return
	}

	if err := e.verifyChecksums(checksums, block, start, end); err != nil {
		op.complete(Result{Err: err})
		return
	}

	data := append([]byte(nil), block[start:end]...)
	op.complete(Result{Version: version, Data: data, Bitmap: bitmap})
}

// verifyChecksums recomputes the CRC32C of every csum_block_size sub-range
// overlapping [start, end) and compares it against the stored value,
// implementing spec.md §6's "READ returns a checksum-mismatch error
// instead of silently returning corrupt bytes".
func (e *Engine) verifyChecksums(checksums []uint32, block []byte, start, end uint64) error {
	l := e.layout
	if l.CsumType == layout.ChecksumNone || len(checksums) == 0 {
		return nil
	}
	startBlock := start / uint64(l.CsumBlockSize)
	endBlock := (end - 1) / uint64(l.CsumBlockSize)
	for b := startBlock; b <= endBlock; b++ {
		if b >= uint64(len(checksums)) {
			continue
		}
		lo := b * uint64(l.CsumBlockSize)
		hi := lo + uint64(l.CsumBlockSize)
		if hi > uint64(len(block)) {
			hi = uint64(len(block))
		}
		if layout.Checksum(block[lo:hi]) != checksums[b] {
			return ErrChecksum
		}
	}
	return nil
}

// handleList implements spec.md §6 LIST: enumerate every stable object
// (one already flushed to the clean index, or still dirty but having
// reached the STABLE workflow state) whose inode falls within [MinInode,
// MaxInode] and whose stripe passes the PG-number/count filter, returning
// (OID, Version) records packed into Result.Data by encodeListResult, in
// OID order. A write that has
// only reached SYNCED (acked to its caller but not yet marked STABLE by a
// sync pass) is not yet visible here, matching the "stable" qualifier
// spec.md §6 gives LIST specifically, unlike READ which surfaces every
// in-flight write for read-your-writes.
func (e *Engine) handleList(op *Op) {
	seen := make(map[journal.OID]uint64)
	e.clean.ForEach(func(oid journal.OID, version uint64) {
		if inRange(oid, op.MinInode, op.MaxInode) && inPG(oid, op.PGCount, op.PGNumber) {
			seen[oid] = version
		}
	})
	e.dirty.ForEachState(index.Stable, func(de *index.DirtyEntry) bool {
		if !inRange(de.OID, op.MinInode, op.MaxInode) || !inPG(de.OID, op.PGCount, op.PGNumber) {
			return true
		}
		if de.Kind == index.KindDelete {
			delete(seen, de.OID)
			return true
		}
		if de.Version >= seen[de.OID] {
			seen[de.OID] = de.Version
		}
		return true
	})

	entries := make([]journal.OID, 0, len(seen))
	for oid := range seen {
		entries = append(entries, oid)
	}
	sortOIDs(entries)

	data := encodeListResult(entries, seen)
	op.complete(Result{Data: data})
}

func inRange(oid journal.OID, min, max uint64) bool {
	if max == 0 {
		return oid.Inode >= min
	}
	return oid.Inode >= min && oid.Inode <= max
}

// inPG reports whether oid belongs to PG pgNumber out of pgCount PGs,
// grounded on osd_scrub.cpp's scrub_list filter (bs_op.pg_count/
// pg_number). pgCount == 0 disables the filter.
func inPG(oid journal.OID, pgCount, pgNumber uint32) bool {
	if pgCount == 0 {
		return true
	}
	return uint32(oid.Stripe%uint64(pgCount)) == pgNumber
}

func sortOIDs(oids []journal.OID) {
	for i := 1; i < len(oids); i++ {
		for j := i; j > 0 && oids[j].Less(oids[j-1]); j-- {
			oids[j], oids[j-1] = oids[j-1], oids[j]
		}
	}
}

// encodeListResult packs a LIST response as a flat sequence of fixed-size
// (inode, stripe, version) records, matching the on-disk OID+version
// layout used throughout journal.Entry, so the caller that eventually
// exposes this over the wire can reuse the same codec.
func encodeListResult(oids []journal.OID, versions map[journal.OID]uint64) []byte {
	buf := make([]byte, 0, len(oids)*24)
	var tmp [24]byte
	for _, oid := range oids {
		putUint64(tmp[0:8], oid.Inode)
		putUint64(tmp[8:16], oid.Stripe)
		putUint64(tmp[16:24], versions[oid])
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
