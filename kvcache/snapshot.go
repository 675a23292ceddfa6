package kvcache

import (
	"fmt"
	"io"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/ollama/pagedattention/ml"
)

// Snapshot is a host copy of some blocks of a cache
type Snapshot struct {
	DType  ml.DType  `cbor:"dtype"`
	Block  []int     `cbor:"block"` // blockSize, kvHeads, headSize
	Blocks []int     `cbor:"blocks"`
	Key    []float32 `cbor:"key"`
	Value  []float32 `cbor:"value"`
}

func (c *Cache) Snapshot(blocks []int) *Snapshot {
	return &Snapshot{
		DType:  c.DType(),
		Block:  c.Key.Shape()[1:],
		Blocks: slices.Clone(blocks),
		Key:    c.Key.Rows(blocks).Floats(),
		Value:  c.Value.Rows(blocks).Floats(),
	}
}

// Restore writes the snapshot into blocks dst of c. dst defaults to the
// blocks the snapshot was taken from.
func (c *Cache) Restore(s *Snapshot, dst []int) error {
	if dst == nil {
		dst = s.Blocks
	}

	if len(dst) != len(s.Blocks) {
		return fmt.Errorf("snapshot has %d blocks, restoring into %d", len(s.Blocks), len(dst))
	}

	if !slices.Equal(s.Block, c.Key.Shape()[1:]) {
		return fmt.Errorf("%w: snapshot block %v, cache block %v", ErrShapeMismatch, s.Block, c.Key.Shape()[1:])
	}

	shape := append([]int{len(dst)}, s.Block...)
	if len(s.Key) != len(s.Value) || len(s.Key) != len(dst)*c.Key.Stride(0) {
		return fmt.Errorf("%w: snapshot holds %d values for shape %v", ErrShapeMismatch, len(s.Key), shape)
	}

	for _, b := range dst {
		if b < 0 || b >= c.NumBlocks() {
			return fmt.Errorf("block %d out of range for %d blocks", b, c.NumBlocks())
		}
	}

	c.Key.SetRows(dst, ml.FromFloats(s.Key, shape...))
	c.Value.SetRows(dst, ml.FromFloats(s.Value, shape...))
	return nil
}

func WriteSnapshot(w io.Writer, s *Snapshot) error {
	return cbor.NewEncoder(w).Encode(s)
}

func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("reading kv cache snapshot: %w", err)
	}

	return &s, nil
}
