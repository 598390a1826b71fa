package journal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"blockstore/layout"
)

func testLayout(t *testing.T) *layout.Layout {
	t.Helper()
	l, err := layout.New(4096, 4096, 4096, 4096, 4096, layout.ChecksumCRC32C)
	require.NoError(t, err)
	return l
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := testLayout(t)
	bitmap := layout.NewBitmap(l)
	bitmap.Set(l, 0, 4096)

	cases := []*Entry{
		{Type: TypeStart},
		{Type: TypeDelete, OID: OID{Inode: 1, Stripe: 2}, Version: 7},
		{Type: TypeStable, OID: OID{Inode: 1, Stripe: 2}, Version: 7},
		{Type: TypeRollback, OID: OID{Inode: 1, Stripe: 2}, Version: 7},
		{
			Type: TypeBigWrite, OID: OID{Inode: 5, Stripe: 0}, Version: 3,
			Offset: 0, Len: 4096, Block: 42, Bitmap: bitmap, Checksums: []uint32{0xdeadbeef},
		},
		{
			Type: TypeSmallWriteInstant, OID: OID{Inode: 5, Stripe: 0}, Version: 4,
			Offset: 100, Len: 50, DataOffset: 999, Bitmap: bitmap, Checksums: []uint32{0x1234},
		},
	}

	var chain uint32
	for _, e := range cases {
		buf, newChain := Encode(e, l, chain)
		require.EqualValues(t, e.EncodedSize(l), len(buf))

		decoded, n, err := Decode(buf, l, chain)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, e.Type, decoded.Type)
		require.Equal(t, e.OID, decoded.OID)
		require.Equal(t, e.Version, decoded.Version)
		require.Equal(t, e.Offset, decoded.Offset)
		require.Equal(t, e.Len, decoded.Len)
		require.Equal(t, e.Block, decoded.Block)
		require.Equal(t, e.DataOffset, decoded.DataOffset)
		chain = newChain
	}
}

func TestDecodeDetectsChecksumMismatch(t *testing.T) {
	l := testLayout(t)
	e := &Entry{Type: TypeDelete, OID: OID{Inode: 1}, Version: 1}
	buf, _ := Encode(e, l, 0)
	buf[len(buf)-1] ^= 0xff

	_, _, err := Decode(buf, l, 0)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeDetectsChainBreak(t *testing.T) {
	l := testLayout(t)
	e := &Entry{Type: TypeDelete, OID: OID{Inode: 1}, Version: 1}
	buf, _ := Encode(e, l, 0)

	_, _, err := Decode(buf, l, 0xffffffff) // wrong predecessor chain value
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestEntryTypeIsInstant(t *testing.T) {
	require.True(t, TypeBigWriteInstant.IsInstant())
	require.True(t, TypeSmallWriteInstant.IsInstant())
	require.False(t, TypeBigWrite.IsInstant())
	require.False(t, TypeDelete.IsInstant())
}

func TestOIDLess(t *testing.T) {
	require.True(t, OID{Inode: 1, Stripe: 5}.Less(OID{Inode: 2, Stripe: 0}))
	require.True(t, OID{Inode: 1, Stripe: 0}.Less(OID{Inode: 1, Stripe: 1}))
	require.False(t, OID{Inode: 1, Stripe: 1}.Less(OID{Inode: 1, Stripe: 1}))
}
