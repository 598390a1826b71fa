package alloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindFreeReturnsLowestIndex(t *testing.T) {
	a := New(8)
	idx, ok := a.FindFree()
	require.True(t, ok)
	require.EqualValues(t, 0, idx)

	a.Set(0, true)
	idx, ok = a.FindFree()
	require.True(t, ok)
	require.EqualValues(t, 1, idx)

	a.Set(1, true)
	a.Set(2, true)
	a.Set(0, false) // freeing a lower block makes it the lowest again
	idx, ok = a.FindFree()
	require.True(t, ok)
	require.EqualValues(t, 0, idx)
}

func TestFindFreeExhausted(t *testing.T) {
	a := New(4)
	for i := uint64(0); i < 4; i++ {
		a.Set(i, true)
	}
	_, ok := a.FindFree()
	require.False(t, ok)
	require.EqualValues(t, 0, a.FreeBlocks())
}

func TestSetIdempotent(t *testing.T) {
	a := New(4)
	a.Set(0, true)
	a.Set(0, true) // no-op, must not double-decrement
	require.EqualValues(t, 3, a.FreeBlocks())
	a.Set(0, false)
	a.Set(0, false)
	require.EqualValues(t, 4, a.FreeBlocks())
}

func TestNonPowerOfTwoSize(t *testing.T) {
	a := New(5)
	require.EqualValues(t, 5, a.NumBlocks())
	for i := 0; i < 5; i++ {
		idx, ok := a.FindFree()
		require.True(t, ok)
		a.Set(idx, true)
	}
	_, ok := a.FindFree()
	require.False(t, ok, "padding leaves beyond numBlocks must never appear free")
}

func TestUsedCountAgainstRandomOps(t *testing.T) {
	a := New(1000)
	want := map[uint64]bool{}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		idx := uint64(rng.Intn(1000))
		used := rng.Intn(2) == 0
		a.Set(idx, used)
		want[idx] = used
	}
	var expected uint64
	for _, u := range want {
		if u {
			expected++
		}
	}
	require.Equal(t, expected, a.UsedCount())
}
