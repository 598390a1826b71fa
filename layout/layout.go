// Package layout computes the fixed, on-open disk geometry shared by the
// allocator, journal, and index packages: block sizes, bitmap granularity,
// and the derived sizes of the dynamic per-entry regions that carry
// presence bitmaps and optional checksums.
package layout

import (
	"fmt"
	"hash/crc32"
)

// Default geometry, matching spec.md §4.1.
const (
	DefaultDataBlockSize     = 128 * 1024
	DefaultBitmapGranularity = 4 * 1024
	DefaultMetaBlockSize     = 4 * 1024
	DefaultJournalBlockSize  = 4 * 1024
	DefaultCsumBlockSize     = 4 * 1024
)

// ChecksumType enumerates the supported per-sub-block checksum algorithms.
// Only CRC32C is implemented; the type exists so a zero-value Layout means
// "no checksums", matching spec.md's data_csum_type = NONE option.
type ChecksumType uint8

const (
	ChecksumNone ChecksumType = iota
	ChecksumCRC32C
)

// crcTable is the CRC32 Castagnoli table, matching the teacher's
// constants.go crc32Table (prometheus/turnstone use the same polynomial
// for their own entry checksums).
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ChecksumUpdate extends an existing CRC32C with more data, the way
// constants.go's recover()/flushBatch() chain crc32.Update calls across a
// header and payload.
func ChecksumUpdate(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crcTable, data)
}

// Layout is the fixed geometry of an opened store; every size below is
// computed once at Open and never changes for the life of the files.
type Layout struct {
	DataBlockSize     uint32
	BitmapGranularity uint32
	MetaBlockSize     uint32
	JournalBlockSize  uint32
	CsumBlockSize     uint32
	CsumType          ChecksumType

	// Derived.
	BitmapGranularityBits uint // log2(BitmapGranularity)
	CleanEntryBitmapSize  uint32
	CsumsPerBlock         uint32 // 0 if CsumType == ChecksumNone
	CleanEntrySize        uint32
}

// New validates the configured geometry and computes the derived sizes.
// All of DataBlockSize, BitmapGranularity, MetaBlockSize, JournalBlockSize
// and CsumBlockSize (when checksums are enabled) must be powers of two,
// matching spec.md §4.1's "power of two" requirement for data_block_size.
func New(dataBlockSize, bitmapGranularity, metaBlockSize, journalBlockSize, csumBlockSize uint32, csumType ChecksumType) (*Layout, error) {
	for name, v := range map[string]uint32{
		"data_block_size":    dataBlockSize,
		"bitmap_granularity": bitmapGranularity,
		"meta_block_size":    metaBlockSize,
		"journal_block_size": journalBlockSize,
	} {
		if v == 0 || v&(v-1) != 0 {
			return nil, fmt.Errorf("layout: %s must be a non-zero power of two, got %d", name, v)
		}
	}
	if dataBlockSize%bitmapGranularity != 0 {
		return nil, fmt.Errorf("layout: data_block_size %d must be a multiple of bitmap_granularity %d", dataBlockSize, bitmapGranularity)
	}
	if csumType != ChecksumNone {
		if csumBlockSize == 0 || csumBlockSize&(csumBlockSize-1) != 0 {
			return nil, fmt.Errorf("layout: csum_block_size must be a non-zero power of two, got %d", csumBlockSize)
		}
		if dataBlockSize%csumBlockSize != 0 {
			return nil, fmt.Errorf("layout: data_block_size %d must be a multiple of csum_block_size %d", dataBlockSize, csumBlockSize)
		}
	}

	l := &Layout{
		DataBlockSize:     dataBlockSize,
		BitmapGranularity: bitmapGranularity,
		MetaBlockSize:     metaBlockSize,
		JournalBlockSize:  journalBlockSize,
		CsumBlockSize:     csumBlockSize,
		CsumType:          csumType,
	}
	for b := bitmapGranularity; b > 1; b >>= 1 {
		l.BitmapGranularityBits++
	}
	l.CleanEntryBitmapSize = dataBlockSize / bitmapGranularity / 8
	if l.CleanEntryBitmapSize == 0 {
		l.CleanEntryBitmapSize = 1
	}
	if csumType != ChecksumNone {
		l.CsumsPerBlock = dataBlockSize / csumBlockSize
	}
	// header (oid + version) + 2 bitmaps (presence, plus a reserved slot
	// that is written as zeros) + optional checksums.
	const cleanEntryHeaderSize = 24 // inode(8) + stripe(8) + version(8)
	l.CleanEntrySize = cleanEntryHeaderSize + 2*l.CleanEntryBitmapSize + l.CsumsPerBlock*4
	return l, nil
}

// DirtyDynSize returns the number of bytes needed in a dirty entry's
// dynamic region (presence bitmap + optional per-sub-block checksums) to
// cover a write spanning [offset, offset+length).
func (l *Layout) DirtyDynSize(offset, length uint64) uint32 {
	size := l.CleanEntryBitmapSize
	if l.CsumType != ChecksumNone && length > 0 {
		startBlock := offset / uint64(l.CsumBlockSize)
		endBlock := (offset + length - 1) / uint64(l.CsumBlockSize)
		size += uint32(endBlock-startBlock+1) * 4
	}
	return size
}

// BitmapBits returns the number of presence-bitmap bits per data block.
func (l *Layout) BitmapBits() uint32 {
	return l.DataBlockSize / l.BitmapGranularity
}
