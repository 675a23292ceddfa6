package ml

import (
	"fmt"
	"strings"
)

// Matmul multiplies batches of matrices: a [..., m, k] x b [..., k, n] -> [..., m, n].
// Leading batch dimensions broadcast.
type Matmul interface {
	Matmul(a, b *Tensor) *Tensor
}

// Softmax normalizes over the last dimension. Rows that are entirely -Inf
// must produce zeros rather than NaN.
type Softmax interface {
	Softmax(t *Tensor) *Tensor
}

// ScaledDotProductAttention is a fused prefill kernel. query is
// [batch, heads, seq, headDim], key and value are [batch, kvHeads, seq, headDim]
// with heads a multiple of kvHeads. Keys at or beyond validSeqLengths[b] are
// ignored (right padding). The result has the shape of query.
type ScaledDotProductAttention interface {
	ScaledDotProductAttention(query, key, value *Tensor, causal bool, scale float64, validSeqLengths []int) *Tensor
}

// Backend bundles the operators used by attention layers
type Backend interface {
	Matmul
	Softmax
	ScaledDotProductAttention
}

var backends = make(map[string]func() Backend)

func RegisterBackend(name string, f func() Backend) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(), nil
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

func Dump(t *Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	if t == nil {
		return "<nil>"
	}

	if len(t.shape) == 0 {
		return fmt.Sprintf("%.*f", opts[0].Precision, t.data[0])
	}

	return dump(t, opts[0])
}

func dump(t *Tensor, opts DumpOptions) string {
	shape := t.shape

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprintf(&sb, "%.*f", opts.Precision, t.data[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
