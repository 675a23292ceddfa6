package attention

import (
	"math"

	"github.com/ollama/pagedattention/ml"
)

// decode is flat paged attention: every block of every sequence is scored
// independently, then the per-block softmax pieces are combined per
// sequence. q is [batch, heads, headSize] and so is the result.
func (l *Layer) decode(q, keyCache, valueCache *ml.Tensor, meta *Metadata, scales KVScales) *ml.Tensor {
	batch, numBlocks := q.Dim(0), len(meta.BlockList)
	groups := l.numHeads / l.numKVHeads

	mapping := meta.BlockMapping
	if mapping == nil {
		mapping = oneHot(meta.BlockGroups, batch)
	}
	mappingT := mapping.Transpose(0, 1)

	// [batch, ...] -> [numBlocks, ...]
	batch2block := func(t *ml.Tensor) *ml.Tensor {
		shape := t.Shape()
		shape[0] = numBlocks
		return l.matmul.Matmul(mapping, t.Reshape(t.Dim(0), -1)).Reshape(shape...)
	}

	// [numBlocks, ...] -> [batch, ...]
	block2batch := func(t *ml.Tensor) *ml.Tensor {
		shape := t.Shape()
		shape[0] = batch
		return l.matmul.Matmul(mappingT, t.Reshape(t.Dim(0), -1)).Reshape(shape...)
	}

	// [numBlocks, kvHeads, groups, headSize]
	query := batch2block(q.Scale(l.scale)).Unflatten(1, l.numKVHeads, groups)

	// [numBlocks, kvHeads, blockSize, headSize]
	keys := l.store.Fetch(keyCache, meta.BlockList, scales.K).Transpose(1, 2)
	values := l.store.Fetch(valueCache, meta.BlockList, scales.V).Transpose(1, 2)
	blockSize := keys.Dim(2)

	// [numBlocks, kvHeads, groups, blockSize]
	scores := l.matmul.Matmul(query, keys.Transpose(-1, -2))
	if meta.BlockBias != nil {
		scores = ml.Add(scores, meta.BlockBias.Reshape(numBlocks, 1, 1, blockSize))
	}

	if l.slopes != nil && meta.AlibiBlocks != nil {
		bias := DecodeBias(meta.AlibiBlocks, l.slopes, l.numHeads, l.numKVHeads, l.biasDType)
		scores = ml.Add(scores, bias.Unflatten(1, l.numKVHeads, groups))
	}

	// [numBlocks, kvHeads, groups, 1]
	blockMax := scores.AMax()
	for i, m := range blockMax.Data() {
		if math.IsInf(float64(m), -1) {
			blockMax.Data()[i] = 0
		}
	}

	e := ml.Sub(scores, blockMax).Exp()
	sums := e.Sum()
	attn := l.matmul.Matmul(e, values)

	scale := blockScales(meta, numBlocks).Reshape(numBlocks, 1, 1, 1)

	var groupMax *ml.Tensor
	switch l.cfg.SoftmaxImpl {
	case SoftmaxAMax:
		groupMax = maxByGroup(blockMax, meta.BlockGroups)
	case SoftmaxWSum:
		groupMax = batch2block(block2batch(ml.Mul(blockMax, scale)))
	default:
		headMax := blockMax.Reshape(numBlocks, -1).AMax().Reshape(numBlocks, 1, 1, 1)
		groupMax = batch2block(block2batch(ml.Mul(headMax, scale)))
	}

	adj := ml.Sub(blockMax, groupMax).Exp()
	sumAdj := ml.Mul(sums, adj)
	groupSum := ml.Maximum(batch2block(block2batch(sumAdj)), sumAdj)

	attn = ml.Mul(attn, ml.Div(adj, groupSum))
	return block2batch(attn).Reshape(batch, l.numHeads, l.headSize)
}

// maxByGroup replaces each block's maxima, [numBlocks, ...], with the
// maxima over all blocks of the same group. Padding blocks keep their own.
func maxByGroup(blockMax *ml.Tensor, groups []int) *ml.Tensor {
	out := blockMax.Clone()
	row := blockMax.Stride(0)
	data := out.Data()

	maxima := make(map[int][]float32)
	for b, g := range groups {
		if g < 0 {
			continue
		}

		src := data[b*row : (b+1)*row]
		m, ok := maxima[g]
		if !ok {
			maxima[g] = append([]float32(nil), src...)
			continue
		}

		for i, v := range src {
			m[i] = max(m[i], v)
		}
	}

	for b, g := range groups {
		if m, ok := maxima[g]; ok {
			copy(data[b*row:(b+1)*row], m)
		}
	}

	return out
}

func blockScales(meta *Metadata, numBlocks int) *ml.Tensor {
	if meta.BlockScales != nil {
		return ml.FromFloats(meta.BlockScales, numBlocks)
	}

	counts := make(map[int]int)
	for _, g := range meta.BlockGroups {
		counts[g]++
	}

	s := make([]float32, numBlocks)
	for i, g := range meta.BlockGroups {
		if g >= 0 {
			s[i] = 1 / float32(counts[g])
		}
	}

	return ml.FromFloats(s, numBlocks)
}
