// Package cpu implements the attention operators on the host with gonum's
// single precision BLAS.
package cpu

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/pagedattention/ml"
)

func init() {
	ml.RegisterBackend("cpu", func() ml.Backend { return &Backend{} })
}

type Backend struct{}

var _ ml.Backend = (*Backend)(nil)

// batchShape broadcasts the leading dimensions of a and b
func batchShape(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := i - (n - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (n - len(b)); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			panic(fmt.Errorf("batch dimensions %v and %v cannot be broadcast", a, b))
		}
	}

	return out
}

// batchOffset maps a flat index into the broadcast batch shape to an offset
// in units of matrices for a tensor with batch dimensions dims.
func batchOffset(i int, shape, dims []int) int {
	var off, stride int = 0, 1
	for d := len(shape) - 1; d >= 0; d-- {
		idx := i % shape[d]
		i /= shape[d]

		j := d - (len(shape) - len(dims))
		if j < 0 {
			continue
		}
		if dims[j] != 1 {
			off += idx * stride
		}
		stride *= dims[j]
	}

	return off
}

func (b *Backend) Matmul(x, y *ml.Tensor) *ml.Tensor {
	if x.Dims() < 2 || y.Dims() < 2 {
		panic(fmt.Errorf("matmul requires matrices, have %v and %v", x.Shape(), y.Shape()))
	}

	m, k := x.Dim(-2), x.Dim(-1)
	if y.Dim(-2) != k {
		panic(fmt.Errorf("matmul inner dimensions do not match: %v x %v", x.Shape(), y.Shape()))
	}
	n := y.Dim(-1)

	xb := x.Shape()[:x.Dims()-2]
	yb := y.Shape()[:y.Dims()-2]
	shape := batchShape(xb, yb)

	out := ml.Empty(ml.DTypeF32, append(slices.Clone(shape), m, n)...)
	if m == 0 || n == 0 || k == 0 {
		return out
	}

	xd, yd, od := x.Data(), y.Data(), out.Data()
	batches := 1
	for _, s := range shape {
		batches *= s
	}

	for i := range batches {
		xo := batchOffset(i, shape, xb) * m * k
		yo := batchOffset(i, shape, yb) * k * n
		oo := i * m * n

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: xd[xo : xo+m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: yd[yo : yo+k*n]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: od[oo : oo+m*n]},
		)
	}

	return out
}

func (b *Backend) Softmax(t *ml.Tensor) *ml.Tensor {
	out := t.Cast(ml.DTypeF32)
	n := t.Dim(-1)
	if n == 0 {
		return out
	}

	data := out.Data()
	for r := 0; r < len(data); r += n {
		row := data[r : r+n]

		m := float32(math.Inf(-1))
		for _, v := range row {
			m = max(m, v)
		}

		if math.IsInf(float64(m), -1) {
			clear(row)
			continue
		}

		var sum float32
		for i, v := range row {
			row[i] = float32(math.Exp(float64(v - m)))
			sum += row[i]
		}

		for i := range row {
			row[i] /= sum
		}
	}

	return out
}

// ScaledDotProductAttention is the reference fused kernel. It never
// materializes a bias tensor: causality and padding are applied while the
// scores are produced.
func (b *Backend) ScaledDotProductAttention(query, key, value *ml.Tensor, causal bool, scale float64, validSeqLengths []int) *ml.Tensor {
	batch, heads, seq := query.Dim(0), query.Dim(1), query.Dim(2)
	kvHeads, seqKV := key.Dim(1), key.Dim(2)
	if heads%kvHeads != 0 {
		panic(fmt.Errorf("query heads (%d) must be a multiple of kv heads (%d)", heads, kvHeads))
	}

	groups := heads / kvHeads

	q := query.Scale(scale).Unflatten(1, kvHeads, groups)
	k := key.Unsqueeze(2).Transpose(-1, -2)
	v := value.Unsqueeze(2)

	scores := b.Matmul(q, k)
	scores = scores.MaskedFill(float32(math.Inf(-1)), func(idx []int) bool {
		i, j := idx[3], idx[4]
		if causal && j > i+seqKV-seq {
			return true
		}

		return validSeqLengths != nil && j >= validSeqLengths[idx[0]]
	})

	out := b.Matmul(b.Softmax(scores), v)
	return out.Reshape(batch, heads, seq, value.Dim(-1))
}
