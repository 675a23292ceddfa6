package nn

import (
	"fmt"

	"github.com/ollama/pagedattention/ml"
)

// Attention implements scaled dot-product attention for transformer models:
// Attention(Q, K, V) = softmax(QK^T/√d_k + bias)V
//
// Parameters:
//   - matmul, softmax: operators used for the two products and the normalization
//   - query: Query tensor (Q) with shape [batch, heads, seq_len_q, d_k]
//   - key: Key tensor (K) with shape [batch, kv_heads, seq_len_k, d_k]
//   - value: Value tensor (V) with shape [batch, kv_heads, seq_len_k, d_v]
//   - bias: added to the scores, broadcastable to [batch, kv_heads, heads/kv_heads, seq_len_q, seq_len_k]. May be nil.
//   - scale: Scaling factor, typically 1/√d_k where d_k is the key dimension
//
// heads must be a multiple of kv_heads. Consecutive query heads share a kv head.
//
// Returns:
//
//	Attention output with shape [batch, heads, seq_len_q, d_v]
func Attention(matmul ml.Matmul, softmax ml.Softmax, query, key, value, bias *ml.Tensor, scale float64) *ml.Tensor {
	if query.Dim(-1) != key.Dim(-1) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(-1), key.Dim(-1)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("kv_heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	if query.Dim(1)%key.Dim(1) != 0 {
		panic(fmt.Errorf("heads in attention operation (%v) are not a multiple of kv_heads (%v)", query.Dim(1), key.Dim(1)))
	}

	kq := Scores(matmul, query, key, scale)
	if bias != nil {
		kq = ml.Add(kq, bias)
	}

	kqv := matmul.Matmul(softmax.Softmax(kq), value.Unsqueeze(2))
	return kqv.Flatten(1, 2)
}

// Scores returns scale·QKᵀ grouped by kv head, [batch, kv_heads, heads/kv_heads, seq_len_q, seq_len_k]
func Scores(matmul ml.Matmul, query, key *ml.Tensor, scale float64) *ml.Tensor {
	q := query.Scale(scale).Unflatten(1, key.Dim(1), -1)
	return matmul.Matmul(q, key.Unsqueeze(2).Transpose(-1, -2))
}
