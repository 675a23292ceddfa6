package kvcache

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/pagedattention/ml"
)

type testCase struct {
	name     string
	in       []float32
	inShape  []int
	indices  []int
	offsets  []int
	read     []int
	expected []float32
}

// cache of 4 blocks, block size 2, 1 kv head, head size 2
func testStore(t *testing.T, store Store, tests []testCase) {
	cache := ml.Empty(ml.DTypeF32, Shape(4, 2, 1, 2)...)

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := store.Write(ml.FromFloats(test.in, test.inShape...), cache, test.indices, test.offsets, 1)
			if out != cache {
				t.Errorf("Write returned a different tensor")
			}

			blocks := store.Fetch(cache, test.read, 1)
			if !slices.Equal(blocks.Shape(), Shape(len(test.read), 2, 1, 2)) {
				t.Errorf("Fetch: has shape %v; want %v", blocks.Shape(), Shape(len(test.read), 2, 1, 2))
			}

			if !slices.Equal(blocks.Floats(), test.expected) {
				t.Errorf("Fetch: have %v; want %v", blocks.Floats(), test.expected)
			}
		})
	}
}

func TestWriteSlots(t *testing.T) {
	testStore(t, Store{}, []testCase{
		{
			name:     "FirstToken",
			in:       []float32{1, 2},
			inShape:  []int{1, 1, 2},
			indices:  []int{2},
			offsets:  []int{1},
			read:     []int{2},
			expected: []float32{0, 0, 1, 2},
		},
		{
			name:     "TwoSequences",
			in:       []float32{3, 4, 5, 6, 7, 8},
			inShape:  []int{3, 1, 2},
			indices:  []int{2, 1, 1},
			offsets:  []int{0, 0, 1},
			read:     []int{1, 2},
			expected: []float32{5, 6, 7, 8, 3, 4, 1, 2},
		},
		{
			name:     "Overwrite",
			in:       []float32{9, 9},
			inShape:  []int{1, 1, 2},
			indices:  []int{1},
			offsets:  []int{1},
			read:     []int{2, 1},
			expected: []float32{3, 4, 1, 2, 5, 6, 9, 9},
		},
	})
}

func TestWriteBlocks(t *testing.T) {
	testStore(t, Store{}, []testCase{
		{
			name:     "WholeBlocks",
			in:       []float32{1, 2, 3, 4, 5, 6, 7, 8},
			inShape:  []int{4, 1, 2},
			indices:  []int{3, 0},
			read:     []int{0, 3},
			expected: []float32{5, 6, 7, 8, 1, 2, 3, 4},
		},
	})
}

func TestFetchContiguous(t *testing.T) {
	testStore(t, Store{Contiguous: true}, []testCase{
		{
			name:     "LeadingBlocks",
			in:       []float32{1, 2, 3, 4},
			inShape:  []int{2, 1, 2},
			indices:  []int{0, 1},
			offsets:  []int{1, 0},
			read:     []int{0, 1},
			expected: []float32{0, 0, 1, 2, 3, 4, 0, 0},
		},
	})
}

func TestRoundTrip(t *testing.T) {
	const numBlocks, blockSize, kvHeads, headSize = 3, 4, 2, 3

	for _, dtype := range []ml.DType{ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			c := New(dtype, numBlocks, blockSize, kvHeads, headSize)
			var store Store

			for b := range numBlocks {
				for o := range blockSize {
					v := make([]float32, kvHeads*headSize)
					for i := range v {
						v[i] = float32(b*100+o*10+i) / 8
					}

					store.Write(ml.FromFloats(v, 1, kvHeads, headSize), c.Key, []int{b}, []int{o}, 1)

					got := store.Fetch(c.Key, []int{b}, 1)
					for i := range v {
						assert.Equal(t, dtype.Round(v[i]), got.At(0, o, i/headSize, i%headSize))
					}
				}
			}
		})
	}
}

func TestScale(t *testing.T) {
	c := New(ml.DTypeF32, 2, 1, 1, 2)
	var store Store

	store.Write(ml.FromFloats([]float32{2, 4}, 1, 1, 2), c.Key, []int{1}, []int{0}, 2)
	assert.Equal(t, []float32{1, 2}, c.Key.Rows([]int{1}).Floats())

	assert.Equal(t, []float32{2, 4}, store.Fetch(c.Key, []int{1}, 2).Floats())
}

func TestWriteWithoutCache(t *testing.T) {
	var store Store
	values := ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 1, 2)

	out := store.Write(values, nil, []int{1, 1, 1}, []int{0, 1, 2}, 1)
	require.Equal(t, []int{3, 1, 1, 2}, out.Shape())
	assert.Equal(t, values.Floats(), out.Floats())
}

func TestCopyBlocks(t *testing.T) {
	caches := []*Cache{New(ml.DTypeF32, 4, 1, 1, 1), New(ml.DTypeF32, 4, 1, 1, 1)}
	for i, c := range caches {
		c.Key.SetRows([]int{0, 1, 2, 3}, ml.FromFloats([]float32{0, 1, 2, 3}, 4, 1, 1, 1))
		c.Value.SetRows([]int{0, 1, 2, 3}, ml.FromFloats([]float32{0, 10, 20, float32(30 + i)}, 4, 1, 1, 1))
	}

	// block 1 is both a destination and a source
	require.NoError(t, CopyBlocks(caches, []BlockMove{{Src: 1, Dst: 2}, {Src: 3, Dst: 1}}))

	for i, c := range caches {
		assert.Equal(t, []float32{0, 3, 1, 3}, c.Key.Floats())
		assert.Equal(t, []float32{0, float32(30 + i), 10, float32(30 + i)}, c.Value.Floats())
	}

	assert.Error(t, CopyBlocks(caches, []BlockMove{{Src: 4, Dst: 0}}))
}

func TestSwapBlocks(t *testing.T) {
	device := New(ml.DTypeBF16, 4, 2, 1, 1)
	host := New(ml.DTypeF32, 8, 2, 1, 1)

	device.Key.SetRows([]int{2}, ml.FromFloats([]float32{1.5, 2.5}, 1, 2, 1, 1))
	device.Value.SetRows([]int{2}, ml.FromFloats([]float32{3.5, 4.5}, 1, 2, 1, 1))

	require.NoError(t, SwapBlocks(device, host, []BlockMove{{Src: 2, Dst: 7}}))
	assert.Equal(t, []float32{1.5, 2.5}, host.Key.Rows([]int{7}).Floats())
	assert.Equal(t, []float32{3.5, 4.5}, host.Value.Rows([]int{7}).Floats())

	require.NoError(t, SwapBlocks(host, device, []BlockMove{{Src: 7, Dst: 0}}))
	assert.Equal(t, []float32{1.5, 2.5}, device.Key.Rows([]int{0}).Floats())

	assert.ErrorIs(t, SwapBlocks(device, New(ml.DTypeF32, 4, 4, 1, 1), nil), ErrShapeMismatch)
	assert.Error(t, SwapBlocks(device, host, []BlockMove{{Src: 0, Dst: 8}}))
}
