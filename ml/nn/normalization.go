package nn

import (
	"fmt"
	"math"

	"github.com/ollama/pagedattention/ml"
)

type RMSNorm struct {
	Weight *ml.Tensor
}

// Forward normalizes each row of t over its last dimension and scales it by
// Weight, if set.
func (m *RMSNorm) Forward(t *ml.Tensor, eps float32) *ml.Tensor {
	n := t.Dim(-1)
	if m.Weight != nil && m.Weight.Size() != n {
		panic(fmt.Errorf("rms norm weight of %d elements for rows of %d", m.Weight.Size(), n))
	}

	out := t.Clone()
	data := out.Data()
	for off := 0; off < len(data); off += n {
		row := data[off : off+n]

		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}

		scale := float32(1 / math.Sqrt(ss/float64(n)+float64(eps)))
		for i := range row {
			row[i] *= scale
			if m.Weight != nil {
				row[i] *= m.Weight.Data()[i]
			}
		}
	}

	return out
}
