package nn

import "github.com/ollama/pagedattention/ml"

// Linear is y = xWᵀ + b with Weight [out, in] and an optional Bias [out]
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
}

func (m *Linear) Forward(matmul ml.Matmul, t *ml.Tensor) *ml.Tensor {
	t = matmul.Matmul(t, m.Weight.Transpose(0, 1))
	if m.Bias != nil {
		t = ml.Add(t, m.Bias)
	}

	return t
}
