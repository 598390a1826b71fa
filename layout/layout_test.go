package layout

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(100, 4096, 4096, 4096, 4096, ChecksumNone)
	require.Error(t, err)
}

func TestNewDerivedSizes(t *testing.T) {
	l, err := New(DefaultDataBlockSize, DefaultBitmapGranularity, DefaultMetaBlockSize, DefaultJournalBlockSize, DefaultCsumBlockSize, ChecksumCRC32C)
	require.NoError(t, err)
	require.Equal(t, uint32(DefaultDataBlockSize/DefaultBitmapGranularity/8), l.CleanEntryBitmapSize)
	require.Equal(t, uint32(DefaultDataBlockSize/DefaultCsumBlockSize), l.CsumsPerBlock)
	require.Equal(t, uint32(32), l.BitmapBits())
}

func TestDirtyDynSizeSpansSubBlocks(t *testing.T) {
	l, err := New(DefaultDataBlockSize, DefaultBitmapGranularity, DefaultMetaBlockSize, DefaultJournalBlockSize, DefaultCsumBlockSize, ChecksumCRC32C)
	require.NoError(t, err)

	// A write fully inside one csum block only needs one checksum slot.
	size := l.DirtyDynSize(0, 100)
	require.Equal(t, l.CleanEntryBitmapSize+4, size)

	// A write spanning two csum blocks needs two checksum slots.
	size = l.DirtyDynSize(DefaultCsumBlockSize-10, 20)
	require.Equal(t, l.CleanEntryBitmapSize+8, size)
}

func TestBitmapSetAndGet(t *testing.T) {
	l, err := New(DefaultDataBlockSize, DefaultBitmapGranularity, DefaultMetaBlockSize, DefaultJournalBlockSize, DefaultCsumBlockSize, ChecksumNone)
	require.NoError(t, err)

	bm := NewBitmap(l)
	bm.Set(l, 4096, 4096)
	require.True(t, bm.Get(l, 4096))
	require.False(t, bm.Get(l, 0))
	require.False(t, bm.Get(l, 8192))
}

func TestBitmapMerge(t *testing.T) {
	a := Bitmap{0b0001}
	b := Bitmap{0b0010}
	a.Merge(b)
	require.Equal(t, Bitmap{0b0011}, a)
}

func TestChecksumMatchesStdlibCastagnoli(t *testing.T) {
	data := []byte("hello world")
	c1 := Checksum(data)
	c2 := ChecksumUpdate(Checksum(data[:5]), data[5:])
	require.Equal(t, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)), c1)
	require.Equal(t, c1, c2)
}
