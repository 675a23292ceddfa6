package nn

import "github.com/ollama/pagedattention/ml"

type Embedding struct {
	Weight *ml.Tensor
}

func (m *Embedding) Forward(ids []int) *ml.Tensor {
	return m.Weight.Rows(ids)
}
