package attention

import (
	"fmt"
	"math"

	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/ml"
	"github.com/ollama/pagedattention/ml/nn"
)

var negInf = float32(math.Inf(-1))

// causalMask is [1, 1, seq, seqKV] with the last query aligned to the last key
func causalMask(seq, seqKV int) *ml.Tensor {
	return ml.Full(0, 1, 1, seq, seqKV).MaskedFill(negInf, func(idx []int) bool {
		return idx[3] > idx[2]+seqKV-seq
	})
}

// validMask is [batch, 1, 1, 1, seqKV] hiding keys at or after seqLens[b]
func validMask(seqLens []int, seqKV int) *ml.Tensor {
	return ml.Full(0, len(seqLens), 1, 1, 1, seqKV).MaskedFill(negInf, func(idx []int) bool {
		return idx[4] >= seqLens[idx[0]]
	})
}

// dense is prompt attention without cached context. q is [batch, seq, heads, headSize],
// k and v are [batch, seqKV, kvHeads, headSize].
func (l *Layer) dense(q, k, v *ml.Tensor, meta *Metadata) (*ml.Tensor, error) {
	seq, seqKV := q.Dim(1), k.Dim(1)

	attnBias := meta.AttnBias
	if attnBias == nil {
		attnBias = causalMask(seq, seqKV)
	} else if attnBias.Dim(-1) > seqKV {
		// the bias also covers cached context that is not being read
		attnBias = trailing(attnBias, seq, seqKV)
	}

	// [batch, 1, 1, seq, seqKV]
	bias := attnBias.Unsqueeze(2)

	if l.positionBias != nil {
		if seq > l.positionBias.Dim(-2) || seqKV > l.positionBias.Dim(-1) {
			return nil, fmt.Errorf("prompt of %d tokens exceeds the maximum alibi length %d", max(seq, seqKV), l.positionBias.Dim(-1))
		}

		// [1, kvHeads, groups, seq, seqKV]
		bias = ml.Add(bias, trailing(l.positionBias, seq, seqKV).Unflatten(1, l.numKVHeads, -1))
	}

	if len(meta.SeqLens) == q.Dim(0) {
		bias = ml.Add(bias, validMask(meta.SeqLens, seqKV))
	}

	out := nn.Attention(l.matmul, l.softmax,
		q.Transpose(1, 2), k.Transpose(1, 2), v.Transpose(1, 2),
		bias, l.scale)

	return out.Transpose(1, 2), nil
}

// fused hands causal prompt attention to the fused kernel. No bias is applied.
func (l *Layer) fused(q, k, v *ml.Tensor, meta *Metadata) *ml.Tensor {
	var valid []int
	if len(meta.SeqLens) == q.Dim(0) {
		valid = meta.SeqLens
	}

	out := l.sdpa.ScaledDotProductAttention(q.Transpose(1, 2), k.Transpose(1, 2), v.Transpose(1, 2), true, l.scale, valid)
	return out.Transpose(1, 2)
}

// prefix is prompt attention over cached context followed by the new tokens.
// Each sequence reads len(meta.BlockList)/batch blocks. Scores over both parts
// share one softmax.
func (l *Layer) prefix(q, k, v, keyCache, valueCache *ml.Tensor, meta *Metadata, scales KVScales) *ml.Tensor {
	batch, seq := q.Dim(0), q.Dim(1)
	if len(meta.BlockList)%batch != 0 {
		panic(fmt.Errorf("block list of %d blocks does not divide into %d sequences", len(meta.BlockList), batch))
	}

	blocks := len(meta.BlockList) / batch
	ctx := blocks * keyCache.Dim(1)

	// prefix block lists are per sequence, never a prefix of the cache
	var gather kvcache.Store

	// [batch, kvHeads, ctx, headSize]
	pastK := gather.Fetch(keyCache, meta.BlockList, scales.K).Reshape(batch, ctx, l.numKVHeads, l.headSize).Transpose(1, 2)
	pastV := gather.Fetch(valueCache, meta.BlockList, scales.V).Reshape(batch, ctx, l.numKVHeads, l.headSize).Transpose(1, 2)

	query := q.Transpose(1, 2)
	newK, newV := k.Transpose(1, 2), v.Transpose(1, 2)

	// [batch, kvHeads, groups, seq, ctx+seq]
	scores := ml.Concat(-1, nn.Scores(l.matmul, query, pastK, l.scale), nn.Scores(l.matmul, query, newK, l.scale))

	if meta.AttnBias != nil {
		scores = ml.Add(scores, meta.AttnBias.Unsqueeze(2))
	} else {
		scores = ml.Add(scores, l.prefixMask(batch, seq, ctx, meta))
	}

	if l.slopes != nil {
		scores = ml.Add(scores, l.prefixAlibi(batch, seq, ctx, meta))
	}

	parts := l.softmax.Softmax(scores).Split(-1, ctx, seq)
	out := ml.Add(
		l.matmul.Matmul(parts[0], pastV.Unsqueeze(2)),
		l.matmul.Matmul(parts[1], newV.Unsqueeze(2)),
	)

	return out.Flatten(1, 2).Transpose(1, 2)
}

// prefixMask is [batch, 1, 1, seq, ctx+seq]. Cached slots at or past the
// sequence's context length are hidden, as are future and padding tokens.
func (l *Layer) prefixMask(batch, seq, ctx int, meta *Metadata) *ml.Tensor {
	return ml.Full(0, batch, 1, 1, seq, ctx+seq).MaskedFill(negInf, func(idx []int) bool {
		b, i, j := idx[0], idx[3], idx[4]
		if j < ctx {
			return len(meta.ContextLens) == batch && j >= meta.ContextLens[b]
		}

		j -= ctx
		return j > i || (len(meta.SeqLens) == batch && j >= meta.SeqLens[b])
	})
}

// prefixAlibi is [batch, kvHeads, groups, seq, ctx+seq] using absolute
// positions: cached slot j is position j and new token i is position
// contextLen+i.
func (l *Layer) prefixAlibi(batch, seq, ctx int, meta *Metadata) *ml.Tensor {
	bias := ml.Empty(l.biasDType, batch, l.numHeads, seq, ctx+seq)
	data := bias.Data()
	for b := range batch {
		contextLen := ctx
		if len(meta.ContextLens) == batch {
			contextLen = meta.ContextLens[b]
		}

		for h, slope := range l.slopes {
			slope = l.biasDType.Round(slope)
			plane := data[(b*l.numHeads+h)*seq*(ctx+seq):]
			for i := range seq {
				for j := range ctx + seq {
					pos := j
					if j >= ctx {
						pos = contextLen + j - ctx
					}

					plane[i*(ctx+seq)+j] = l.biasDType.Round(slope * l.biasDType.Round(float32(pos-contextLen-i)))
				}
			}
		}
	}

	return bias.Unflatten(1, l.numKVHeads, -1)
}
