// Package alloc implements the block allocator: a hierarchical bitmap
// over the data area's fixed-size blocks, exposing FindFree and Set in
// O(log n), always returning the lowest free index to keep recovery cost
// predictable (spec.md §4.1).
//
// The shape follows the free-bitmap-with-counts idiom used by block
// allocators in the corpus (other_examples' hybridAllocator and apfs
// space_manager track free/used ranges with an auxiliary index rather
// than scanning a flat bitmap); here the auxiliary index is a segment
// tree of free-bit counts over the leaf bitmap itself.
package alloc

import "fmt"

// Allocator is a bitmap allocator over NumBlocks blocks, backed by a
// segment tree of free counts so FindFree and Set both run in O(log n).
type Allocator struct {
	numBlocks uint64
	// tree is a binary heap-style segment tree; tree[1] is the root,
	// covering the whole range. tree[i] holds the number of free blocks
	// in the range owned by node i. Leaves start at index size.
	tree []uint32
	size uint64 // next power of two >= numBlocks
	used []bool // used[i] true iff block i is allocated; padding leaves beyond numBlocks have a zero free count in tree, so FindFree never returns them
}

// New creates an allocator over numBlocks blocks, all initially free.
func New(numBlocks uint64) *Allocator {
	if numBlocks == 0 {
		numBlocks = 1
	}
	size := uint64(1)
	for size < numBlocks {
		size <<= 1
	}
	a := &Allocator{
		numBlocks: numBlocks,
		size:      size,
		tree:      make([]uint32, 2*size),
		used:      make([]bool, size),
	}
	for i := uint64(0); i < size; i++ {
		if i < numBlocks {
			a.tree[size+i] = 1
		}
	}
	for i := size - 1; i >= 1; i-- {
		a.tree[i] = a.tree[2*i] + a.tree[2*i+1]
	}
	return a
}

// NumBlocks returns the total number of addressable blocks.
func (a *Allocator) NumBlocks() uint64 { return a.numBlocks }

// FreeBlocks returns the current count of unused blocks.
func (a *Allocator) FreeBlocks() uint32 {
	if len(a.tree) == 0 {
		return 0
	}
	return a.tree[1]
}

// FindFree returns the lowest-index free block, or (0, false) if the
// allocator is full. It does not mark the block used; callers must call
// Set(idx, true) themselves, matching the original's two-step
// find_free()/set() contract so the caller can fail and back out between
// the two (e.g. on a metadata-corruption guard failure).
func (a *Allocator) FindFree() (uint64, bool) {
	if a.tree[1] == 0 {
		return 0, false
	}
	i := uint64(1)
	for i < a.size {
		if a.tree[2*i] > 0 {
			i = 2 * i
		} else {
			i = 2*i + 1
		}
	}
	return i - a.size, true
}

// Set marks block idx used or free and updates the segment tree.
func (a *Allocator) Set(idx uint64, used bool) {
	if idx >= a.numBlocks {
		panic(fmt.Sprintf("alloc: block index %d out of range [0,%d)", idx, a.numBlocks))
	}
	if a.used[idx] == used {
		return
	}
	a.used[idx] = used
	i := a.size + idx
	var delta int32 = -1
	if !used {
		delta = 1
	}
	for i >= 1 {
		a.tree[i] = uint32(int32(a.tree[i]) + delta)
		i /= 2
	}
}

// IsUsed reports whether block idx is currently allocated.
func (a *Allocator) IsUsed(idx uint64) bool {
	if idx >= a.numBlocks {
		return false
	}
	return a.used[idx]
}

// UsedCount returns the number of currently allocated blocks.
func (a *Allocator) UsedCount() uint64 {
	return a.numBlocks - uint64(a.FreeBlocks())
}
