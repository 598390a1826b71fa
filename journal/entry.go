// Package journal implements the write-ahead journal ring: fixed-size
// sectors holding typed, CRC32C-checksummed entries, chain-linked so tail
// truncation is detectable on recovery (spec.md §4.3, §6).
package journal

import (
	"encoding/binary"
	"fmt"

	"blockstore/layout"
)

// EntryType tags the body that follows the common header, matching
// spec.md §6's persistent journal layout.
type EntryType uint8

const (
	TypeStart EntryType = iota + 1
	TypeBigWrite
	TypeBigWriteInstant
	TypeSmallWrite
	TypeSmallWriteInstant
	TypeDelete
	TypeStable
	TypeRollback
)

func (t EntryType) String() string {
	switch t {
	case TypeStart:
		return "START"
	case TypeBigWrite:
		return "BIG_WRITE"
	case TypeBigWriteInstant:
		return "BIG_WRITE_INSTANT"
	case TypeSmallWrite:
		return "SMALL_WRITE"
	case TypeSmallWriteInstant:
		return "SMALL_WRITE_INSTANT"
	case TypeDelete:
		return "DELETE"
	case TypeStable:
		return "STABLE"
	case TypeRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// IsInstant reports whether the entry type carries the INSTANT flag
// (treated as stable immediately on sync, spec.md §3).
func (t EntryType) IsInstant() bool {
	return t == TypeBigWriteInstant || t == TypeSmallWriteInstant
}

// OID identifies an object: a pool-encoding inode plus an opaque stripe
// key (spec.md §3).
type OID struct {
	Inode  uint64
	Stripe uint64
}

func (o OID) String() string {
	return fmt.Sprintf("%d:%d", o.Inode, o.Stripe)
}

// Less orders OIDs lexicographically, the ordering the dirty index keys
// on (spec.md §3 "ordered lexicographically").
func (o OID) Less(other OID) bool {
	if o.Inode != other.Inode {
		return o.Inode < other.Inode
	}
	return o.Stripe < other.Stripe
}

// Entry is the in-memory representation of one journal record. Only the
// fields relevant to Type are meaningful; the rest are zero.
type Entry struct {
	Type    EntryType
	OID     OID
	Version uint64

	// BIG_WRITE / SMALL_WRITE.
	Offset uint64
	Len    uint64

	Block uint64 // BIG_WRITE*: allocator block index the data was placed at.

	DataOffset uint64 // SMALL_WRITE*: journal byte offset of the payload following this entry.

	Bitmap    layout.Bitmap // BIG_WRITE*/SMALL_WRITE*: presence bitmap for the dynamic region.
	Checksums []uint32      // BIG_WRITE*/SMALL_WRITE*: per-sub-block CRC32C, empty if checksums disabled.
}

// headerSize is the common header: type(1) + length(4) + crc(4) + chain
// crc(4), matching the packed-header idiom of constants.go's PackMeta.
const headerSize = 13

const oidVersionSize = 24 // Inode(8) + Stripe(8) + Version(8)

// bodySize returns the wire size of e's type-specific body, excluding the
// common header.
func (e *Entry) bodySize(l *layout.Layout) uint32 {
	switch e.Type {
	case TypeStart:
		return 0
	case TypeDelete, TypeStable, TypeRollback:
		return oidVersionSize
	case TypeBigWrite, TypeBigWriteInstant:
		return oidVersionSize + 8 /*offset*/ + 8 /*len*/ + 8 /*block*/ + l.DirtyDynSize(e.Offset, e.Len)
	case TypeSmallWrite, TypeSmallWriteInstant:
		return oidVersionSize + 8 /*offset*/ + 8 /*len*/ + 8 /*data offset*/ + l.DirtyDynSize(e.Offset, e.Len)
	default:
		return 0
	}
}

// EncodedSize returns the total on-disk size of e (header + body), the
// figure the ring's preflight space check reserves against (spec.md §4.3
// "reserve sizeof(...)+clean_dyn_size").
func (e *Entry) EncodedSize(l *layout.Layout) uint32 {
	return headerSize + e.bodySize(l)
}

func putOIDVersion(buf []byte, oid OID, version uint64) {
	binary.BigEndian.PutUint64(buf[0:8], oid.Inode)
	binary.BigEndian.PutUint64(buf[8:16], oid.Stripe)
	binary.BigEndian.PutUint64(buf[16:24], version)
}

func getOIDVersion(buf []byte) (OID, uint64) {
	return OID{
		Inode:  binary.BigEndian.Uint64(buf[0:8]),
		Stripe: binary.BigEndian.Uint64(buf[8:16]),
	}, binary.BigEndian.Uint64(buf[16:24])
}

func putDynRegion(buf []byte, l *layout.Layout, bitmap layout.Bitmap, checksums []uint32) {
	n := copy(buf, bitmap)
	off := int(l.CleanEntryBitmapSize)
	_ = n
	for i, c := range checksums {
		binary.BigEndian.PutUint32(buf[off+i*4:off+i*4+4], c)
	}
}

func getDynRegion(buf []byte, l *layout.Layout) (layout.Bitmap, []uint32) {
	bitmap := layout.Bitmap(append([]byte(nil), buf[:l.CleanEntryBitmapSize]...))
	rest := buf[l.CleanEntryBitmapSize:]
	n := len(rest) / 4
	if n == 0 {
		return bitmap, nil
	}
	checksums := make([]uint32, n)
	for i := range checksums {
		checksums[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return bitmap, checksums
}

// Encode serializes e into a freshly allocated buffer, seals it with its
// own CRC32C and a chain CRC derived from prevChain, and returns the
// buffer along with the new chain value. This implements spec.md §4.3's
// "seal with the entry CRC" and the chain-CRC linking of §6.
func Encode(e *Entry, l *layout.Layout, prevChain uint32) ([]byte, uint32) {
	size := e.EncodedSize(l)
	buf := make([]byte, size)
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], size)

	body := buf[headerSize:]
	switch e.Type {
	case TypeStart:
		// no body
	case TypeDelete, TypeStable, TypeRollback:
		putOIDVersion(body, e.OID, e.Version)
	case TypeBigWrite, TypeBigWriteInstant:
		putOIDVersion(body, e.OID, e.Version)
		binary.BigEndian.PutUint64(body[24:32], e.Offset)
		binary.BigEndian.PutUint64(body[32:40], e.Len)
		binary.BigEndian.PutUint64(body[40:48], e.Block)
		putDynRegion(body[48:], l, e.Bitmap, e.Checksums)
	case TypeSmallWrite, TypeSmallWriteInstant:
		putOIDVersion(body, e.OID, e.Version)
		binary.BigEndian.PutUint64(body[24:32], e.Offset)
		binary.BigEndian.PutUint64(body[32:40], e.Len)
		binary.BigEndian.PutUint64(body[40:48], e.DataOffset)
		putDynRegion(body[48:], l, e.Bitmap, e.Checksums)
	}

	// CRC covers the header's type and length fields plus the body; the CRC
	// and chain fields themselves are not included.
	crc := layout.Checksum(buf[:5])
	crc = layout.ChecksumUpdate(crc, buf[headerSize:])
	binary.BigEndian.PutUint32(buf[5:9], crc)

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	chain := layout.ChecksumUpdate(prevChain, crcBytes[:])
	binary.BigEndian.PutUint32(buf[9:13], chain)

	return buf, chain
}

// Decode parses one entry beginning at buf[0], returning the entry, the
// number of bytes it consumed, and the chain CRC it should extend to
// (verified against the stored chain value). An error signals a corrupt
// or foreign-looking header; the caller (Ring.Recover) treats that as the
// end of the valid log, matching store.go's recover() truncate-on-mismatch
// behavior.
func Decode(buf []byte, l *layout.Layout, prevChain uint32) (*Entry, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("journal: short read, need %d header bytes, have %d", headerSize, len(buf))
	}
	typ := EntryType(buf[0])
	size := binary.BigEndian.Uint32(buf[1:5])
	storedCRC := binary.BigEndian.Uint32(buf[5:9])
	storedChain := binary.BigEndian.Uint32(buf[9:13])

	if size < headerSize || int(size) > len(buf) {
		return nil, 0, fmt.Errorf("journal: implausible entry length %d", size)
	}

	crcBuf := make([]byte, size)
	copy(crcBuf, buf[:size])
	crcBuf[5], crcBuf[6], crcBuf[7], crcBuf[8] = 0, 0, 0, 0
	crc := layout.Checksum(crcBuf[:5])
	crc = layout.ChecksumUpdate(crc, crcBuf[headerSize:])
	if crc != storedCRC {
		return nil, 0, fmt.Errorf("journal: %w at entry type %s", ErrChecksum, typ)
	}

	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], crc)
	wantChain := layout.ChecksumUpdate(prevChain, crcBytes[:])
	if wantChain != storedChain {
		return nil, 0, fmt.Errorf("journal: %w: chain break at entry type %s", ErrChainBroken, typ)
	}

	e := &Entry{Type: typ}
	body := buf[headerSize:size]
	switch typ {
	case TypeStart:
	case TypeDelete, TypeStable, TypeRollback:
		e.OID, e.Version = getOIDVersion(body)
	case TypeBigWrite, TypeBigWriteInstant:
		e.OID, e.Version = getOIDVersion(body)
		e.Offset = binary.BigEndian.Uint64(body[24:32])
		e.Len = binary.BigEndian.Uint64(body[32:40])
		e.Block = binary.BigEndian.Uint64(body[40:48])
		e.Bitmap, e.Checksums = getDynRegion(body[48:], l)
	case TypeSmallWrite, TypeSmallWriteInstant:
		e.OID, e.Version = getOIDVersion(body)
		e.Offset = binary.BigEndian.Uint64(body[24:32])
		e.Len = binary.BigEndian.Uint64(body[32:40])
		e.DataOffset = binary.BigEndian.Uint64(body[40:48])
		e.Bitmap, e.Checksums = getDynRegion(body[48:], l)
	default:
		return nil, 0, fmt.Errorf("journal: unknown entry type %d", typ)
	}

	return e, int(size), nil
}
