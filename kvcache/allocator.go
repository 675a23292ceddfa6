package kvcache

import (
	"fmt"

	"github.com/emirpasic/gods/sets/treeset"
)

// PadBlock is never handed out. Batch padding points its reads and writes
// at it.
const PadBlock = 0

// Allocator tracks free cache blocks and hands out the lowest numbered ones
// first, which keeps allocations dense for contiguous reads.
type Allocator struct {
	numBlocks int
	free      *treeset.Set
}

func NewAllocator(numBlocks int) *Allocator {
	a := &Allocator{numBlocks: numBlocks, free: treeset.NewWithIntComparator()}
	for i := PadBlock + 1; i < numBlocks; i++ {
		a.free.Add(i)
	}

	return a
}

// Available is the number of free blocks
func (a *Allocator) Available() int {
	return a.free.Size()
}

// Allocate reserves n blocks. Either all of them are returned or none.
func (a *Allocator) Allocate(n int) ([]int, error) {
	if n > a.free.Size() {
		return nil, fmt.Errorf("%w (requested %d blocks, %d free)", ErrKvCacheFull, n, a.free.Size())
	}

	blocks := make([]int, 0, n)
	it := a.free.Iterator()
	for len(blocks) < n && it.Next() {
		blocks = append(blocks, it.Value().(int))
	}

	for _, b := range blocks {
		a.free.Remove(b)
	}

	return blocks, nil
}

// Free returns blocks to the pool
func (a *Allocator) Free(blocks ...int) {
	for _, b := range blocks {
		if b == PadBlock || b < 0 || b >= a.numBlocks {
			panic(fmt.Errorf("cannot free block %d", b))
		}

		if a.free.Contains(b) {
			panic(fmt.Errorf("block %d freed twice", b))
		}

		a.free.Add(b)
	}
}

// BlocksNeeded is the number of blocks required to hold n tokens
func BlocksNeeded(n, blockSize int) int {
	return (n + blockSize - 1) / blockSize
}
