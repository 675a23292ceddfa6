package ml

import (
	"fmt"
	"math"
)

// broadcastShape follows numpy rules: shapes are aligned on the right and
// dimensions of size 1 stretch to match.
func broadcastShape(a, b []int) ([]int, error) {
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
			return nil, fmt.Errorf("shapes %v and %v cannot be broadcast", a, b)
		}
	}

	return out, nil
}

// broadcastStrides returns the strides used to walk src as if it had shape dst
func broadcastStrides(src, dst []int) []int {
	strides := make([]int, len(dst))
	stride := 1
	for i := len(src) - 1; i >= 0; i-- {
		j := i + len(dst) - len(src)
		if src[i] != 1 {
			strides[j] = stride
		}
		stride *= src[i]
	}

	return strides
}

func binary(a, b *Tensor, f func(x, y float32) float32) *Tensor {
	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		panic(err)
	}

	out := Empty(DTypeF32, shape...)
	if len(out.data) == 0 {
		return out
	}

	as := broadcastStrides(a.shape, shape)
	bs := broadcastStrides(b.shape, shape)

	idx := make([]int, len(shape))
	var ao, bo int
	for i := range out.data {
		out.data[i] = f(a.data[ao], b.data[bo])
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ao += as[d]
			bo += bs[d]
			if idx[d] < shape[d] {
				break
			}
			ao -= as[d] * shape[d]
			bo -= bs[d] * shape[d]
			idx[d] = 0
		}
	}

	return out
}

func Add(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return x * y })
}

// Div divides a by b. A zero or non-finite denominator yields 0 so that fully
// masked rows stay finite.
func Div(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 {
		if y == 0 || math.IsInf(float64(y), 0) || math.IsNaN(float64(y)) {
			return 0
		}
		return x / y
	})
}

func Maximum(a, b *Tensor) *Tensor {
	return binary(a, b, func(x, y float32) float32 { return max(x, y) })
}

func (t *Tensor) unary(f func(float32) float32) *Tensor {
	out := Empty(DTypeF32, t.shape...)
	for i, v := range t.data {
		out.data[i] = f(v)
	}

	return out
}

func (t *Tensor) Scale(s float64) *Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v) * s) })
}

func (t *Tensor) Exp() *Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Exp(float64(v))) })
}

// reduce folds the last dimension, keeping it with size 1
func (t *Tensor) reduce(init float32, f func(acc, v float32) float32) *Tensor {
	shape := t.Shape()
	if len(shape) == 0 {
		panic("cannot reduce a scalar")
	}

	n := shape[len(shape)-1]
	shape[len(shape)-1] = 1

	out := Empty(DTypeF32, shape...)
	for i := range out.data {
		acc := init
		for _, v := range t.data[i*n : (i+1)*n] {
			acc = f(acc, v)
		}
		out.data[i] = acc
	}

	return out
}

// AMax is the maximum over the last dimension
func (t *Tensor) AMax() *Tensor {
	return t.reduce(float32(math.Inf(-1)), func(acc, v float32) float32 { return max(acc, v) })
}

// Sum is the sum over the last dimension
func (t *Tensor) Sum() *Tensor {
	return t.reduce(0, func(acc, v float32) float32 { return acc + v })
}

// MaskedFill returns an f32 copy of t with every element whose index satisfies
// mask set to v
func (t *Tensor) MaskedFill(v float32, mask func(idx []int) bool) *Tensor {
	out := t.Cast(DTypeF32)
	if len(out.data) == 0 {
		return out
	}

	idx := make([]int, len(t.shape))
	for i := range out.data {
		if mask(idx) {
			out.data[i] = v
		}
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return out
}
