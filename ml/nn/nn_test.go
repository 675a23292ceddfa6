package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/pagedattention/ml"
	"github.com/ollama/pagedattention/ml/backend/cpu"
	"github.com/ollama/pagedattention/ml/nn/rope"
)

func TestAttention(t *testing.T) {
	b := &cpu.Backend{}

	query := ml.FromFloats([]float32{1, 0}, 1, 1, 1, 2)
	key := ml.FromFloats([]float32{1, 0, 0, 1}, 1, 1, 2, 2)
	value := ml.FromFloats([]float32{1, 0, 0, 1}, 1, 1, 2, 2)

	out := Attention(b, b, query, key, value, nil, 1)
	require.Equal(t, []int{1, 1, 1, 2}, out.Shape())

	e := math.E
	assert.InDeltaSlice(t, []float32{float32(e / (e + 1)), float32(1 / (e + 1))}, out.Floats(), 1e-6)

	// a bias hiding the first key leaves only the second value
	bias := ml.FromFloats([]float32{float32(math.Inf(-1)), 0}, 1, 1, 1, 1, 2)
	out = Attention(b, b, query, key, value, bias, 1)
	assert.InDeltaSlice(t, []float32{0, 1}, out.Floats(), 1e-6)

	assert.Panics(t, func() {
		Attention(b, b, ml.Empty(ml.DTypeF32, 1, 1, 1, 3), key, value, nil, 1)
	})

	assert.Panics(t, func() {
		Attention(b, b, ml.Empty(ml.DTypeF32, 1, 3, 1, 2), ml.Empty(ml.DTypeF32, 1, 2, 2, 2), ml.Empty(ml.DTypeF32, 1, 2, 2, 2), nil, 1)
	})
}

func TestLinear(t *testing.T) {
	m := Linear{
		Weight: ml.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2),
		Bias:   ml.FromFloats([]float32{1, 0, -1}, 3),
	}

	out := m.Forward(&cpu.Backend{}, ml.FromFloats([]float32{1, 1, 2, 0}, 2, 2))
	require.Equal(t, []int{2, 3}, out.Shape())
	assert.Equal(t, []float32{4, 7, 10, 3, 6, 9}, out.Floats())
}

func TestRMSNorm(t *testing.T) {
	m := RMSNorm{Weight: ml.FromFloats([]float32{1, 2}, 2)}

	out := m.Forward(ml.FromFloats([]float32{3, 4, 0, 0}, 2, 2), 1e-6)
	scale := float32(1 / math.Sqrt(12.5))
	assert.InDeltaSlice(t, []float32{3 * scale, 8 * scale, 0, 0}, out.Floats(), 1e-5)

	unweighted := (&RMSNorm{}).Forward(ml.FromFloats([]float32{2, 2, 2, 2}, 4), 0)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1}, unweighted.Floats(), 1e-6)
}

func TestEmbedding(t *testing.T) {
	m := Embedding{Weight: ml.FromFloats([]float32{0, 0, 1, 1, 2, 2}, 3, 2)}
	assert.Equal(t, []float32{2, 2, 0, 0, 2, 2}, m.Forward([]int{2, 0, 2}).Floats())
}

func TestRoPE(t *testing.T) {
	x := ml.FromFloats([]float32{1, 0, 0, 0}, 1, 1, 4)

	t.Run("identity", func(t *testing.T) {
		out := RoPE(x, []int{0}, 4, 10000, 1)
		assert.InDeltaSlice(t, x.Floats(), out.Floats(), 1e-7)
	})

	t.Run("normal", func(t *testing.T) {
		out := RoPE(x, []int{1}, 4, 10000, 1)
		assert.InDeltaSlice(t, []float32{float32(math.Cos(1)), float32(math.Sin(1)), 0, 0}, out.Floats(), 1e-6)
	})

	t.Run("neox", func(t *testing.T) {
		out := RoPE(x, []int{1}, 4, 10000, 1, rope.WithTypeNeoX())
		assert.InDeltaSlice(t, []float32{float32(math.Cos(1)), 0, float32(math.Sin(1)), 0}, out.Floats(), 1e-6)
	})

	t.Run("partial", func(t *testing.T) {
		y := ml.FromFloats([]float32{1, 0, 5, 6}, 1, 1, 4)
		out := RoPE(y, []int{7}, 2, 10000, 1)
		assert.Equal(t, []float32{5, 6}, out.Floats()[2:])
	})

	t.Run("relative", func(t *testing.T) {
		q := ml.FromFloats([]float32{0.3, -1, 0.5, 2}, 1, 1, 4)
		k := ml.FromFloats([]float32{1, 0.25, -0.75, 0.5}, 1, 1, 4)

		dot := func(m, n int) float64 {
			a := RoPE(q, []int{m}, 4, 100, 1).Floats()
			b := RoPE(k, []int{n}, 4, 100, 1).Floats()

			var s float64
			for i := range a {
				s += float64(a[i]) * float64(b[i])
			}
			return s
		}

		assert.InDelta(t, dot(3, 1), dot(9, 7), 1e-5)
	})

	assert.Panics(t, func() { RoPE(x, []int{0, 1}, 4, 10000, 1) })
	assert.Panics(t, func() { RoPE(x, []int{0}, 3, 10000, 1) })
}
