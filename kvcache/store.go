package kvcache

import (
	"fmt"

	"github.com/ollama/pagedattention/ml"
)

// Store moves keys or values between the flat per-token layout used by
// attention and the paged layout of a cache tensor.
type Store struct {
	// Contiguous means block lists always name the leading blocks of the
	// cache in order, so reads can return a view instead of gathering.
	Contiguous bool
}

// Write scatters values into cache and returns the cache.
//
// With blockOffsets set, values are [numTokens, kvHeads, headSize] and token i
// lands in slot blockOffsets[i] of block blockIndices[i]. With blockOffsets
// nil, values hold whole blocks and are written to blockIndices in order.
//
// Values are divided by scale before being rounded to the cache dtype. A nil
// cache skips the write and returns the values as a cache of one slot per
// token, [numTokens, 1, kvHeads, headSize].
func (s Store) Write(values, cache *ml.Tensor, blockIndices, blockOffsets []int, scale float32) *ml.Tensor {
	if scale != 1 && scale != 0 {
		values = values.Scale(1 / float64(scale))
	}

	if cache == nil {
		return values.Reshape(-1, 1, values.Dim(-2), values.Dim(-1))
	}

	if blockOffsets == nil {
		cache.SetRows(blockIndices, values.Reshape(len(blockIndices), cache.Dim(1), cache.Dim(2), cache.Dim(3)))
		return cache
	}

	if len(blockIndices) != len(blockOffsets) {
		panic(fmt.Errorf("have %d block indices but %d offsets", len(blockIndices), len(blockOffsets)))
	}

	blockSize := cache.Dim(1)
	slots := make([]int, len(blockIndices))
	for i, b := range blockIndices {
		if o := blockOffsets[i]; o < 0 || o >= blockSize {
			panic(fmt.Errorf("offset %d out of range for block size %d", o, blockSize))
		}
		slots[i] = b*blockSize + blockOffsets[i]
	}

	cache.Flatten(0, 1).SetRows(slots, values.Reshape(len(slots), cache.Dim(2), cache.Dim(3)))
	return cache
}

// Fetch gathers the blocks in blockList, [len(blockList), blockSize, kvHeads, headSize],
// multiplied by scale.
func (s Store) Fetch(cache *ml.Tensor, blockList []int, scale float32) *ml.Tensor {
	var blocks *ml.Tensor
	if s.Contiguous {
		blocks = cache.Narrow(0, len(blockList))
	} else {
		blocks = cache.Rows(blockList)
	}

	if scale != 1 && scale != 0 {
		blocks = blocks.Scale(float64(scale))
	}

	return blocks
}
