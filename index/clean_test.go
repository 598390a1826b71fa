package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"blockstore/journal"
	"blockstore/layout"
)

func testCleanLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.New(4096, 4096, 4096, 4096, 4096, layout.ChecksumCRC32C)
	require.NoError(t, err)
	return l
}

func TestCleanIndexSetGetClear(t *testing.T) {
	l := testCleanLayout(t)
	path := filepath.Join(t.TempDir(), "meta.bin")
	ci, err := OpenCleanIndex(path, l, 16, false, nil)
	require.NoError(t, err)
	defer ci.Close()

	oid := journal.OID{Inode: 1, Stripe: 2}
	bitmap := layout.NewBitmap(l)
	bitmap.Set(l, 0, 4096)

	require.NoError(t, ci.AssertZero(3))
	require.NoError(t, ci.Set(&CleanEntry{OID: oid, Version: 7, Block: 3, Bitmap: bitmap, Checksums: make([]uint32, l.CsumsPerBlock)}))

	err = ci.AssertZero(3)
	require.ErrorIs(t, err, ErrCorrupt)

	got, ok := ci.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, 7, got.Version)
	require.EqualValues(t, 3, got.Block)
	require.Equal(t, 1, ci.Len())

	require.NoError(t, ci.Clear(oid, 3))
	_, ok = ci.Get(oid)
	require.False(t, ok)
	require.NoError(t, ci.AssertZero(3))
}

func TestCleanIndexLoadRebuildsLookup(t *testing.T) {
	l := testCleanLayout(t)
	path := filepath.Join(t.TempDir(), "meta.bin")
	ci, err := OpenCleanIndex(path, l, 16, false, nil)
	require.NoError(t, err)

	oid := journal.OID{Inode: 9}
	require.NoError(t, ci.Set(&CleanEntry{OID: oid, Version: 1, Block: 5}))
	require.NoError(t, ci.Close())

	ci2, err := OpenCleanIndex(path, l, 16, false, nil)
	require.NoError(t, err)
	defer ci2.Close()
	require.Equal(t, 0, ci2.Len()) // lookup map starts empty until Load

	require.NoError(t, ci2.Load())
	require.Equal(t, 1, ci2.Len())
	got, ok := ci2.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, 5, got.Block)
}

func TestCleanIndexInMemoryMirror(t *testing.T) {
	l := testCleanLayout(t)
	path := filepath.Join(t.TempDir(), "meta.bin")
	ci, err := OpenCleanIndex(path, l, 4, true, nil)
	require.NoError(t, err)
	defer ci.Close()

	oid := journal.OID{Inode: 1}
	require.NoError(t, ci.Set(&CleanEntry{OID: oid, Version: 1, Block: 0}))
	got, ok := ci.Get(oid)
	require.True(t, ok)
	require.EqualValues(t, 1, got.Version)
}
