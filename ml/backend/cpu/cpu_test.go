package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/pagedattention/ml"
)

func TestRegistered(t *testing.T) {
	b, err := ml.NewBackend("cpu")
	require.NoError(t, err)
	assert.IsType(t, &Backend{}, b)
}

func TestMatmul(t *testing.T) {
	b := &Backend{}

	x := ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := ml.FromFloats([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	z := b.Matmul(x, y)
	assert.Equal(t, []int{2, 2}, z.Shape())
	assert.Equal(t, []float32{58, 64, 139, 154}, z.Floats())
}

func TestMatmulBroadcast(t *testing.T) {
	b := &Backend{}

	// [2, 1, 1, 2] x [3, 2, 1] -> [2, 3, 1, 1]
	x := ml.FromFloats([]float32{1, 2, 3, 4}, 2, 1, 1, 2)
	y := ml.FromFloats([]float32{1, 0, 0, 1, 1, 1}, 3, 2, 1)

	z := b.Matmul(x, y)
	assert.Equal(t, []int{2, 3, 1, 1}, z.Shape())
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, z.Floats())
}

func TestMatmulEmpty(t *testing.T) {
	b := &Backend{}
	z := b.Matmul(ml.Empty(ml.DTypeF32, 2, 0), ml.Empty(ml.DTypeF32, 0, 3))
	assert.Equal(t, []int{2, 3}, z.Shape())
	assert.Equal(t, make([]float32, 6), z.Floats())
}

func TestSoftmax(t *testing.T) {
	b := &Backend{}
	inf := float32(math.Inf(-1))

	x := ml.FromFloats([]float32{0, 0, inf, 1000, 1000, 1000, inf, inf, inf}, 3, 3)
	y := b.Softmax(x)

	assert.InDeltaSlice(t, []float32{0.5, 0.5, 0}, y.Slice(0, 0, 1).Floats(), 1e-6)
	assert.InDeltaSlice(t, []float32{1. / 3, 1. / 3, 1. / 3}, y.Slice(0, 1, 2).Floats(), 1e-6)
	assert.Equal(t, []float32{0, 0, 0}, y.Slice(0, 2, 3).Floats())
}

func TestScaledDotProductAttention(t *testing.T) {
	b := &Backend{}

	// one kv head shared by two query heads
	q := ml.Full(1, 1, 2, 3, 2)
	k := ml.Full(1, 1, 1, 3, 2)
	v := ml.FromFloats([]float32{1, 10, 2, 20, 3, 30}, 1, 1, 3, 2)

	out := b.ScaledDotProductAttention(q, k, v, true, 1, nil)
	require.Equal(t, []int{1, 2, 3, 2}, out.Shape())

	for h := range 2 {
		assert.InDelta(t, 1, out.At(0, h, 0, 0), 1e-6)
		assert.InDelta(t, 1.5, out.At(0, h, 1, 0), 1e-6)
		assert.InDelta(t, 20, out.At(0, h, 2, 1), 1e-5)
	}

	out = b.ScaledDotProductAttention(q, k, v, false, 1, []int{2})
	assert.InDelta(t, 1.5, out.At(0, 0, 2, 0), 1e-6)
}
