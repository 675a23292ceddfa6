package kvcache

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/pagedattention/ml"
)

var (
	ErrKvCacheFull   = errors.New("could not find a kv cache slot")
	ErrShapeMismatch = errors.New("kv cache shape mismatch")
)

// Shape is the layout of one cache tensor. Anything that allocates cache
// storage for the attention layers must use it.
func Shape(numBlocks, blockSize, numKVHeads, headSize int) []int {
	return []int{numBlocks, blockSize, numKVHeads, headSize}
}

// Cache is the paged storage for one attention layer. Key and Value are
// both shaped by Shape and are owned by the caller; attention only reads
// and writes the slots it is told to.
type Cache struct {
	Key   *ml.Tensor
	Value *ml.Tensor
}

func New(dtype ml.DType, numBlocks, blockSize, numKVHeads, headSize int) *Cache {
	shape := Shape(numBlocks, blockSize, numKVHeads, headSize)
	return &Cache{
		Key:   ml.Empty(dtype, shape...),
		Value: ml.Empty(dtype, shape...),
	}
}

func (c *Cache) NumBlocks() int {
	return c.Key.Dim(0)
}

func (c *Cache) BlockSize() int {
	return c.Key.Dim(1)
}

func (c *Cache) DType() ml.DType {
	return c.Key.DType()
}

// BlockMove relocates the contents of block Src to block Dst
type BlockMove struct {
	Src int `cbor:"src"`
	Dst int `cbor:"dst"`
}

func checkMoves(moves []BlockMove, srcBlocks, dstBlocks int) error {
	for _, m := range moves {
		if m.Src < 0 || m.Src >= srcBlocks || m.Dst < 0 || m.Dst >= dstBlocks {
			return fmt.Errorf("block move %d -> %d out of range (%d -> %d blocks)", m.Src, m.Dst, srcBlocks, dstBlocks)
		}
	}

	return nil
}

func split(moves []BlockMove) (src, dst []int) {
	src = make([]int, len(moves))
	dst = make([]int, len(moves))
	for i, m := range moves {
		src[i], dst[i] = m.Src, m.Dst
	}

	return src, dst
}

// CopyBlocks applies moves within each cache. Source blocks are read before
// any destination is written so a move may target another move's source.
func CopyBlocks(caches []*Cache, moves []BlockMove) error {
	if len(moves) == 0 {
		return nil
	}

	src, dst := split(moves)
	for i, c := range caches {
		if !sameShape(c.Key, c.Value) {
			return fmt.Errorf("%w: layer %d key %v value %v", ErrShapeMismatch, i, c.Key.Shape(), c.Value.Shape())
		}

		if err := checkMoves(moves, c.NumBlocks(), c.NumBlocks()); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}

		c.Key.SetRows(dst, c.Key.Rows(src))
		c.Value.SetRows(dst, c.Value.Rows(src))
	}

	slog.Debug("copied kv cache blocks", "layers", len(caches), "blocks", len(moves))
	return nil
}

// SwapBlocks copies blocks from src into dst, typically between device
// memory and host swap space. The caches may differ in block count and
// dtype but not in block layout.
func SwapBlocks(src, dst *Cache, moves []BlockMove) error {
	if !sameShape(src.Key, dst.Key, 1) || !sameShape(src.Value, dst.Value, 1) {
		return fmt.Errorf("%w: %v -> %v", ErrShapeMismatch, src.Key.Shape(), dst.Key.Shape())
	}

	if err := checkMoves(moves, src.NumBlocks(), dst.NumBlocks()); err != nil {
		return err
	}

	if len(moves) == 0 {
		return nil
	}

	s, d := split(moves)
	dst.Key.SetRows(d, src.Key.Rows(s))
	dst.Value.SetRows(d, src.Value.Rows(s))

	slog.Debug("swapped kv cache blocks", "blocks", len(moves), "src", src.Key, "dst", dst.Key)
	return nil
}

// sameShape reports whether the tensors agree on every dimension from skip on
func sameShape(a, b *ml.Tensor, skip ...int) bool {
	from := 0
	if len(skip) > 0 {
		from = skip[0]
	}

	if a.Dims() != b.Dims() {
		return false
	}

	for i := from; i < a.Dims(); i++ {
		if a.Dim(i) != b.Dim(i) {
			return false
		}
	}

	return true
}
