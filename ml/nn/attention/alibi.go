package attention

import (
	"fmt"
	"math"
	"slices"

	"github.com/ollama/pagedattention/ml"
)

// Slopes returns the geometric ALiBi slopes for numHeads heads. Head counts
// that are not a power of two take the extra slopes interleaved from the
// next power of two.
func Slopes(numHeads int) []float32 {
	if numHeads <= 0 {
		return nil
	}

	closest := 1 << int(math.Floor(math.Log2(float64(numHeads))))
	base := math.Pow(2, -math.Pow(2, -(math.Log2(float64(closest))-3)))

	slopes := make([]float32, 0, numHeads)
	for p := 1; p <= closest; p++ {
		slopes = append(slopes, float32(math.Pow(base, float64(p))))
	}

	if closest != numHeads {
		extra := math.Pow(2, -math.Pow(2, -(math.Log2(float64(2*closest))-3)))
		remaining := min(closest, numHeads-closest)
		for p := 1; p < 1+2*remaining; p += 2 {
			slopes = append(slopes, float32(math.Pow(extra, float64(p))))
		}
	}

	return slopes
}

// expandSlopes returns one slope per query head. Slopes given per kv head
// repeat across that head's group of query heads.
func expandSlopes(slopes []float32, numHeads, numKVHeads int) []float32 {
	switch len(slopes) {
	case numHeads:
		return slices.Clone(slopes)
	case numKVHeads:
		groups := numHeads / numKVHeads
		out := make([]float32, numHeads)
		for h := range out {
			out[h] = slopes[h/groups]
		}
		return out
	default:
		panic(fmt.Errorf("have %d alibi slopes for %d heads and %d kv heads", len(slopes), numHeads, numKVHeads))
	}
}

// PrefillBias is the dense prompt bias, [1, numHeads, seqLen, seqLen] with
// bias[0, h, i, j] = slope[h]·(j - i).
func PrefillBias(slopes []float32, numHeads, numKVHeads int, dtype ml.DType, seqLen int) *ml.Tensor {
	slopes = expandSlopes(slopes, numHeads, numKVHeads)

	bias := ml.Empty(dtype, 1, numHeads, seqLen, seqLen)
	data := bias.Data()
	for h, slope := range slopes {
		slope = dtype.Round(slope)
		plane := data[h*seqLen*seqLen : (h+1)*seqLen*seqLen]
		for i := range seqLen {
			for j := range seqLen {
				plane[i*seqLen+j] = dtype.Round(slope * dtype.Round(float32(j-i)))
			}
		}
	}

	return bias
}

// DecodeBias scales the per-slot distances of alibiBlocks, [numBlocks, blockSize],
// by each head's slope giving [numBlocks, numHeads, blockSize].
func DecodeBias(alibiBlocks *ml.Tensor, slopes []float32, numHeads, numKVHeads int, dtype ml.DType) *ml.Tensor {
	slopes = expandSlopes(slopes, numHeads, numKVHeads)
	numBlocks, blockSize := alibiBlocks.Dim(0), alibiBlocks.Dim(-1)

	src := alibiBlocks.Data()
	bias := ml.Empty(dtype, numBlocks, numHeads, blockSize)
	data := bias.Data()
	for b := range numBlocks {
		for h, slope := range slopes {
			slope = dtype.Round(slope)
			row := data[(b*numHeads+h)*blockSize : (b*numHeads+h+1)*blockSize]
			for j := range row {
				row[j] = dtype.Round(slope * dtype.Round(src[b*blockSize+j]))
			}
		}
	}

	return bias
}

// trailing returns the last q rows and kv columns of bias. Distances are
// measured from the end of the sequence.
func trailing(bias *ml.Tensor, q, kv int) *ml.Tensor {
	rows, cols := bias.Dim(-2), bias.Dim(-1)
	return bias.Slice(-2, rows-q, rows).Slice(-1, cols-kv, cols)
}
