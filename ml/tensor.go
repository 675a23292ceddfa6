package ml

import (
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/exp/constraints"
)

// Tensor is a dense, row-major array of float32 values. The dtype records the
// precision the values were produced for; values held in f16/bf16 tensors are
// already rounded to that precision.
//
// Reshape, Unflatten, Flatten, Unsqueeze, Squeeze and Narrow return views that
// share storage with the receiver. Every other method returns a new tensor.
type Tensor struct {
	dtype DType
	shape []int
	data  []float32
}

func mul[T constraints.Integer | constraints.Float](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Empty returns a zero filled tensor
func Empty(dtype DType, shape ...int) *Tensor {
	for _, s := range shape {
		if s < 0 {
			panic(fmt.Errorf("negative dimension in shape %v", shape))
		}
	}

	return &Tensor{dtype: dtype, shape: slices.Clone(shape), data: make([]float32, mul(shape...))}
}

// FromFloats copies s into a new f32 tensor
func FromFloats(s []float32, shape ...int) *Tensor {
	t := Empty(DTypeF32, shape...)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cannot create tensor of shape %v from %d values", shape, len(s)))
	}

	copy(t.data, s)
	return t
}

// Full returns a tensor with every element set to v
func Full(v float32, shape ...int) *Tensor {
	t := Empty(DTypeF32, shape...)
	for i := range t.data {
		t.data[i] = v
	}

	return t
}

func (t *Tensor) DType() DType {
	return t.dtype
}

// Dims is the rank of the tensor
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Dim returns the size of dimension n. Negative n counts from the end.
func (t *Tensor) Dim(n int) int {
	return t.shape[t.axis(n)]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Size() int {
	return len(t.data)
}

// Stride returns the number of elements between consecutive indices of dimension n.
func (t *Tensor) Stride(n int) int {
	return mul(t.shape[t.axis(n)+1:]...)
}

// Floats returns a copy of the tensor contents
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

// Data returns the backing storage. Writes through it are visible to every
// view of the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("shape", fmt.Sprint(t.shape)),
		slog.String("dtype", t.dtype.String()),
	)
}

func (t *Tensor) axis(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	if n < 0 || n >= len(t.shape) {
		panic(fmt.Errorf("dimension %d out of range for shape %v", n, t.shape))
	}

	return n
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Errorf("wrong number of indices: have %d, want %d", len(idx), len(t.shape)))
	}

	var off int
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Errorf("index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}

	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = t.dtype.Round(v)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{dtype: t.dtype, shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Cast returns a copy of t with values rounded to dtype
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := t.Clone()
	out.dtype = dtype
	dtype.round(out.data)
	return out
}

// Reshape returns a view with a new shape. One dimension may be -1, in which
// case it is inferred from the element count.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)

	infer := -1
	known := 1
	for i, s := range shape {
		if s == -1 {
			if infer >= 0 {
				panic(fmt.Errorf("only one dimension can be inferred in %v", shape))
			}
			infer = i
		} else {
			known *= s
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			panic(fmt.Errorf("cannot reshape %v into %v", t.shape, shape))
		}
		shape[infer] = len(t.data) / known
	}

	if mul(shape...) != len(t.data) {
		panic(fmt.Errorf("cannot reshape %v into %v", t.shape, shape))
	}

	return &Tensor{dtype: t.dtype, shape: shape, data: t.data}
}

// Unflatten splits dimension dim into sizes. One of sizes may be -1.
func (t *Tensor) Unflatten(dim int, sizes ...int) *Tensor {
	dim = t.axis(dim)

	inner := slices.Clone(sizes)
	if i := slices.Index(inner, -1); i >= 0 {
		rest := 1
		for j, s := range inner {
			if j != i {
				rest *= s
			}
		}
		if rest == 0 || t.shape[dim]%rest != 0 {
			panic(fmt.Errorf("cannot unflatten dimension %d of %v into %v", dim, t.shape, sizes))
		}
		inner[i] = t.shape[dim] / rest
	}

	if mul(inner...) != t.shape[dim] {
		panic(fmt.Errorf("cannot unflatten dimension %d of %v into %v", dim, t.shape, sizes))
	}

	shape := slices.Concat(t.shape[:dim], inner, t.shape[dim+1:])
	return t.Reshape(shape...)
}

// Flatten merges dimensions start through end inclusive
func (t *Tensor) Flatten(start, end int) *Tensor {
	start, end = t.axis(start), t.axis(end)
	if start > end {
		panic(fmt.Errorf("invalid flatten range [%d, %d]", start, end))
	}

	shape := slices.Concat(t.shape[:start], []int{mul(t.shape[start : end+1]...)}, t.shape[end+1:])
	return t.Reshape(shape...)
}

// Unsqueeze inserts a dimension of size 1 before dim. dim may equal Dims().
func (t *Tensor) Unsqueeze(dim int) *Tensor {
	if dim < 0 {
		dim += len(t.shape) + 1
	}

	if dim < 0 || dim > len(t.shape) {
		panic(fmt.Errorf("dimension %d out of range for shape %v", dim, t.shape))
	}

	return t.Reshape(slices.Insert(slices.Clone(t.shape), dim, 1)...)
}

// Squeeze removes dimension dim, which must have size 1
func (t *Tensor) Squeeze(dim int) *Tensor {
	dim = t.axis(dim)
	if t.shape[dim] != 1 {
		panic(fmt.Errorf("cannot squeeze dimension %d of %v", dim, t.shape))
	}

	return t.Reshape(slices.Delete(slices.Clone(t.shape), dim, dim+1)...)
}

// Narrow returns a view of rows [start, end) of the leading dimension
func (t *Tensor) Narrow(start, end int) *Tensor {
	if start < 0 || end > t.shape[0] || start > end {
		panic(fmt.Errorf("invalid range [%d, %d) for shape %v", start, end, t.shape))
	}

	row := t.Stride(0)
	shape := slices.Clone(t.shape)
	shape[0] = end - start
	return &Tensor{dtype: t.dtype, shape: shape, data: t.data[start*row : end*row]}
}

// strided copies the elements addressed by shape/strides starting at offset
// into a new contiguous tensor.
func (t *Tensor) strided(shape, strides []int, offset int) *Tensor {
	out := Empty(t.dtype, shape...)
	if len(out.data) == 0 {
		return out
	}

	idx := make([]int, len(shape))
	off := offset
	for i := range out.data {
		out.data[i] = t.data[off]
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < shape[d] {
				break
			}
			off -= strides[d] * shape[d]
			idx[d] = 0
		}
	}

	return out
}

// Permute reorders the dimensions of t so that dimension i of the result is
// dimension axes[i] of t.
func (t *Tensor) Permute(axes ...int) *Tensor {
	if len(axes) != len(t.shape) {
		panic(fmt.Errorf("permutation %v does not match shape %v", axes, t.shape))
	}

	seen := make([]bool, len(axes))
	shape := make([]int, len(axes))
	strides := make([]int, len(axes))
	for i, a := range axes {
		a = t.axis(a)
		if seen[a] {
			panic(fmt.Errorf("invalid permutation %v", axes))
		}
		seen[a] = true
		shape[i] = t.shape[a]
		strides[i] = t.Stride(a)
	}

	return t.strided(shape, strides, 0)
}

// Transpose swaps two dimensions
func (t *Tensor) Transpose(d0, d1 int) *Tensor {
	axes := make([]int, len(t.shape))
	for i := range axes {
		axes[i] = i
	}

	d0, d1 = t.axis(d0), t.axis(d1)
	axes[d0], axes[d1] = axes[d1], axes[d0]
	return t.Permute(axes...)
}

// Slice returns a copy of indices [start, end) along dim
func (t *Tensor) Slice(dim, start, end int) *Tensor {
	dim = t.axis(dim)
	if start < 0 || end > t.shape[dim] || start > end {
		panic(fmt.Errorf("invalid slice [%d, %d) of dimension %d with shape %v", start, end, dim, t.shape))
	}

	shape := slices.Clone(t.shape)
	shape[dim] = end - start

	strides := make([]int, len(shape))
	for i := range strides {
		strides[i] = t.Stride(i)
	}

	return t.strided(shape, strides, start*strides[dim])
}

// Split cuts t along dim into consecutive pieces of the given sizes
func (t *Tensor) Split(dim int, sizes ...int) []*Tensor {
	dim = t.axis(dim)
	if sum(sizes) != t.shape[dim] {
		panic(fmt.Errorf("split sizes %v do not cover dimension %d of %v", sizes, dim, t.shape))
	}

	parts := make([]*Tensor, len(sizes))
	var start int
	for i, s := range sizes {
		parts[i] = t.Slice(dim, start, start+s)
		start += s
	}

	return parts
}

func sum(s []int) int {
	var n int
	for _, v := range s {
		n += v
	}
	return n
}

// Concat joins tensors along dim. All other dimensions must match.
func Concat(dim int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("concat of zero tensors")
	}

	first := ts[0]
	dim = first.axis(dim)

	shape := first.Shape()
	shape[dim] = 0
	for _, t := range ts {
		if len(t.shape) != len(first.shape) {
			panic(fmt.Errorf("cannot concat %v and %v", first.shape, t.shape))
		}
		for i := range t.shape {
			if i != dim && t.shape[i] != first.shape[i] {
				panic(fmt.Errorf("cannot concat %v and %v along %d", first.shape, t.shape, dim))
			}
		}
		shape[dim] += t.shape[dim]
	}

	out := Empty(DTypeF32, shape...)
	outer := mul(shape[:dim]...)
	var off int
	for o := range outer {
		for _, t := range ts {
			chunk := t.shape[dim] * t.Stride(dim)
			off += copy(out.data[off:], t.data[o*chunk:(o+1)*chunk])
		}
	}

	return out
}

// Rows gathers rows of the leading dimension
func (t *Tensor) Rows(idx []int) *Tensor {
	shape := t.Shape()
	shape[0] = len(idx)

	out := Empty(t.dtype, shape...)
	row := t.Stride(0)
	for i, r := range idx {
		if r < 0 || r >= t.shape[0] {
			panic(fmt.Errorf("row %d out of range for shape %v", r, t.shape))
		}
		copy(out.data[i*row:(i+1)*row], t.data[r*row:(r+1)*row])
	}

	return out
}

// SetRows copies the rows of src into rows idx of t in place. Values are
// rounded to the dtype of t.
func (t *Tensor) SetRows(idx []int, src *Tensor) {
	row := t.Stride(0)
	if src.shape[0] != len(idx) || src.Stride(0) != row {
		panic(fmt.Errorf("cannot set rows of %v from %v with %d indices", t.shape, src.shape, len(idx)))
	}

	for i, r := range idx {
		if r < 0 || r >= t.shape[0] {
			panic(fmt.Errorf("row %d out of range for shape %v", r, t.shape))
		}
		dst := t.data[r*row : (r+1)*row]
		copy(dst, src.data[i*row:(i+1)*row])
		t.dtype.round(dst)
	}
}
