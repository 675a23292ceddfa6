package nn

import (
	"fmt"
	"math"

	"github.com/ollama/pagedattention/ml"
	"github.com/ollama/pagedattention/ml/nn/rope"
)

// RoPE applies rotary positional embedding to tensor `t`, [tokens, heads, headSize],
// where token i is at positions[i]. Only the first dim elements of each head
// are rotated.
func RoPE(t *ml.Tensor, positions []int, dim int, base, scale float32, options ...func(*rope.Options)) *ml.Tensor {
	var opts rope.Options
	for _, option := range options {
		option(&opts)
	}

	tokens, heads, headSize := t.Dim(0), t.Dim(1), t.Dim(2)
	if len(positions) != tokens {
		panic(fmt.Errorf("rope has %d positions for %d tokens", len(positions), tokens))
	}

	if dim <= 0 || dim > headSize || dim%2 != 0 {
		panic(fmt.Errorf("invalid rope dimension %d for head size %d", dim, headSize))
	}

	out := t.Clone()
	data := out.Data()
	for i, pos := range positions {
		for h := range heads {
			head := data[(i*heads+h)*headSize:]
			for j := range dim / 2 {
				theta := float64(scale) * float64(pos) * math.Pow(float64(base), -2*float64(j)/float64(dim))
				sin, cos := math.Sincos(theta)

				a, b := 2*j, 2*j+1
				if opts.Type == rope.TypeNeoX {
					a, b = j, j+dim/2
				}

				x0, x1 := float64(head[a]), float64(head[b])
				head[a] = float32(x0*cos - x1*sin)
				head[b] = float32(x0*sin + x1*cos)
			}
		}
	}

	return out
}
