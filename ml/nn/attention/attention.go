// Package attention implements paged attention over a block structured KV
// cache for prompt processing and single token decoding.
package attention

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/logutil"
	"github.com/ollama/pagedattention/ml"
)

var (
	ErrUnsupportedHeadSize      = errors.New("unsupported head size")
	ErrInvalidHeads             = errors.New("invalid head configuration")
	ErrAlibiConflict            = errors.New("alibi slopes are not supported with this configuration")
	ErrInvalidConfig            = errors.New("invalid attention configuration")
	ErrUnsupportedAttentionType = errors.New("unsupported attention type")
)

var supportedHeadSizes = []int{64, 80, 96, 112, 128, 256}

const defaultMaxSeqLen = 4096

func SupportedHeadSizes() []int {
	return slices.Clone(supportedHeadSizes)
}

type Type int

const (
	Decoder Type = iota
	Encoder
	EncoderOnly
	EncoderDecoder
)

func (t Type) String() string {
	switch t {
	case Decoder:
		return "decoder"
	case Encoder:
		return "encoder"
	case EncoderOnly:
		return "encoder_only"
	case EncoderDecoder:
		return "encoder_decoder"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// KVScales are the quantization scales of the cache. Keys and values are
// divided by them when written and multiplied when read. Zero means 1.
type KVScales struct {
	K, V float32
}

// Metadata describes one forward call. It is built by the caller and only
// read here.
type Metadata struct {
	IsPrompt bool

	// SeqLens are the number of valid new tokens per sequence. Keys past it
	// are padding.
	SeqLens []int

	// ContextLens are the number of tokens per sequence already in the cache
	ContextLens []int

	// BlockIndices and BlockOffsets are the write address of each new token.
	// Nil BlockOffsets writes whole blocks.
	BlockIndices []int
	BlockOffsets []int

	// BlockList names the cache blocks to read. For prompts it holds the
	// same number of blocks for every sequence.
	BlockList []int

	// BlockMapping is a one-hot [len(BlockList), batch] matrix assigning
	// each block to its sequence. Padding blocks have a zero row.
	BlockMapping *ml.Tensor

	// BlockGroups is the sequence of each block, -1 for padding
	BlockGroups []int

	// BlockScales is 1/(blocks in the sequence) for each block
	BlockScales []float32

	// BlockBias is added to decode scores, [len(BlockList), blockSize]
	BlockBias *ml.Tensor

	// AttnBias is added to prompt scores, [batch, 1, seq, seqKV]. When nil a
	// causal mask is used.
	AttnBias *ml.Tensor

	// AlibiBlocks holds the distance key - query for every slot of every
	// decode block, [len(BlockList), blockSize]
	AlibiBlocks *ml.Tensor
}

// Layer is the attention of one transformer layer. It is immutable after
// construction and may be shared between goroutines.
type Layer struct {
	numHeads   int
	numKVHeads int
	headSize   int
	scale      float64

	slopes       []float32
	biasDType    ml.DType
	positionBias *ml.Tensor

	cfg   Config
	store kvcache.Store

	matmul  ml.Matmul
	softmax ml.Softmax
	sdpa    ml.ScaledDotProductAttention
}

func New(opts Options, cfg Config, ops ...Option) (*Layer, error) {
	if !slices.Contains(supportedHeadSizes, opts.HeadSize) {
		return nil, fmt.Errorf("%w: %d, supported head sizes are %v", ErrUnsupportedHeadSize, opts.HeadSize, supportedHeadSizes)
	}

	numKVHeads := opts.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = opts.NumHeads
	}

	if opts.NumHeads <= 0 || numKVHeads <= 0 || opts.NumHeads%numKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads, %d kv heads", ErrInvalidHeads, opts.NumHeads, numKVHeads)
	}

	if cfg.SoftmaxImpl == "" {
		cfg.SoftmaxImpl = SoftmaxWSumHeadAMax
	}

	switch cfg.SoftmaxImpl {
	case SoftmaxAMax, SoftmaxWSum, SoftmaxWSumHeadAMax:
	default:
		return nil, fmt.Errorf("%w: unknown softmax implementation %q", ErrInvalidConfig, cfg.SoftmaxImpl)
	}

	if opts.AlibiSlopes != nil {
		switch {
		case cfg.PromptUseFusedSDPA:
			return nil, fmt.Errorf("%w: prefill with the fused kernel", ErrAlibiConflict)
		case cfg.ContiguousPA:
			return nil, fmt.Errorf("%w: contiguous paged attention", ErrAlibiConflict)
		case cfg.SoftmaxImpl != SoftmaxWSumHeadAMax:
			return nil, fmt.Errorf("%w: softmax implementation %q, only %q supports alibi", ErrAlibiConflict, cfg.SoftmaxImpl, SoftmaxWSumHeadAMax)
		case len(opts.AlibiSlopes) != opts.NumHeads && len(opts.AlibiSlopes) != numKVHeads:
			return nil, fmt.Errorf("%w: %d alibi slopes for %d heads", ErrInvalidHeads, len(opts.AlibiSlopes), opts.NumHeads)
		}
	}

	l := &Layer{
		numHeads:   opts.NumHeads,
		numKVHeads: numKVHeads,
		headSize:   opts.HeadSize,
		scale:      opts.Scale,
		cfg:        cfg,
		store:      kvcache.Store{Contiguous: cfg.ContiguousPA},
	}

	if l.scale == 0 {
		l.scale = 1 / math.Sqrt(float64(opts.HeadSize))
	}

	if opts.AlibiSlopes != nil {
		l.biasDType = ml.DTypeBF16
		if cfg.AlibiUseFloat32Biases {
			l.biasDType = ml.DTypeF32
		}

		maxSeqLen := cmp.Or(cfg.PromptAlibiMaxSeqLen, opts.MaxSeqLen, defaultMaxSeqLen)
		l.slopes = expandSlopes(opts.AlibiSlopes, l.numHeads, l.numKVHeads)
		l.positionBias = PrefillBias(l.slopes, l.numHeads, l.numKVHeads, l.biasDType, maxSeqLen)
	}

	for _, op := range ops {
		op(l)
	}

	if l.matmul == nil || l.softmax == nil || l.sdpa == nil {
		backend, err := ml.NewBackend(cmp.Or(cfg.Backend, "cpu"))
		if err != nil {
			return nil, err
		}

		WithBackend(backend)(l)
	}

	slog.Debug("attention layer", "heads", l.numHeads, "kv_heads", l.numKVHeads, "head_size", l.headSize,
		"alibi", l.slopes != nil, "fused_sdpa", cfg.PromptUseFusedSDPA, "contiguous_pa", cfg.ContiguousPA, "softmax", cfg.SoftmaxImpl)
	return l, nil
}

// Forward computes attention for a batch of prompt or decode tokens.
//
// query is [batch, seq, heads·headSize] or [tokens, heads·headSize]; key and
// value use kv heads instead. New keys and values are written to cache
// before attention. A nil cache attends over the new keys and values only.
// The result has the shape of query.
func (l *Layer) Forward(query, key, value *ml.Tensor, cache *kvcache.Cache, meta *Metadata, scales KVScales, attnType Type) (*ml.Tensor, error) {
	if attnType != Decoder {
		return nil, fmt.Errorf("%w: %s attention is not implemented", ErrUnsupportedAttentionType, attnType)
	}

	if meta == nil {
		return nil, errors.New("attention metadata is required")
	}

	shape := query.Shape()

	var batch, seq, seqKV int
	switch query.Dims() {
	case 3:
		batch, seq, seqKV = query.Dim(0), query.Dim(1), key.Dim(1)
	case 2:
		batch, seq = query.Dim(0), 1
		if meta.IsPrompt {
			batch = max(len(meta.SeqLens), 1)
			seq = query.Dim(0) / batch
		}
		seqKV = key.Dim(0) / batch
	default:
		return nil, fmt.Errorf("query must be [batch, seq, hidden] or [tokens, hidden], have %v", shape)
	}

	if query.Dim(-1) != l.numHeads*l.headSize {
		return nil, fmt.Errorf("query hidden size %d does not match %d heads of size %d", query.Dim(-1), l.numHeads, l.headSize)
	}

	q := query.Reshape(-1, l.numHeads, l.headSize)
	k := key.Reshape(-1, l.numKVHeads, l.headSize)
	v := value.Reshape(-1, l.numKVHeads, l.headSize)

	var keyCache, valueCache *ml.Tensor
	if cache != nil {
		keyCache, valueCache = cache.Key, cache.Value
	}

	if cache == nil || len(meta.BlockIndices) > 0 {
		keyCache = l.store.Write(k, keyCache, meta.BlockIndices, meta.BlockOffsets, scales.K)
		valueCache = l.store.Write(v, valueCache, meta.BlockIndices, meta.BlockOffsets, scales.V)
	}

	var out *ml.Tensor
	var err error
	if meta.IsPrompt {
		q = q.Reshape(batch, seq, l.numHeads, l.headSize)
		k = k.Reshape(batch, seqKV, l.numKVHeads, l.headSize)
		v = v.Reshape(batch, seqKV, l.numKVHeads, l.headSize)

		switch {
		case len(meta.BlockList) > 0 && cache != nil:
			logutil.Trace("attention", "path", "prefix", "batch", batch, "seq", seq, "blocks", len(meta.BlockList))
			out = l.prefix(q, k, v, keyCache, valueCache, meta, scales)
		case l.cfg.PromptUseFusedSDPA:
			logutil.Trace("attention", "path", "fused", "batch", batch, "seq", seq)
			out = l.fused(q, k, v, meta)
		default:
			logutil.Trace("attention", "path", "dense", "batch", batch, "seq", seq)
			out, err = l.dense(q, k, v, meta)
		}
	} else {
		logutil.Trace("attention", "path", "decode", "batch", batch, "blocks", len(meta.BlockList))
		if cache == nil {
			out = l.decode(q, keyCache, valueCache, ownBlocks(batch), scales)
		} else {
			out = l.decode(q, keyCache, valueCache, meta, scales)
		}
	}

	if err != nil {
		return nil, err
	}

	if logutil.TraceEnabled() {
		logutil.Trace("attention output", "shape", out.Shape(), "values", ml.Dump(out))
	}

	return out.Reshape(append(shape[:len(shape)-1], l.numHeads*l.headSize)...), nil
}

// ownBlocks addresses a transient cache of one slot per token so that each
// decode token attends to its own key and value.
func ownBlocks(batch int) *Metadata {
	meta := Metadata{
		BlockList:    make([]int, batch),
		BlockGroups:  make([]int, batch),
		BlockScales:  make([]float32, batch),
		BlockMapping: ml.Empty(ml.DTypeF32, batch, batch),
	}

	for i := range batch {
		meta.BlockList[i] = i
		meta.BlockGroups[i] = i
		meta.BlockScales[i] = 1
		meta.BlockMapping.Set(1, i, i)
	}

	return &meta
}

func GetKVCacheShape(numBlocks, blockSize, numKVHeads, headSize int) []int {
	return kvcache.Shape(numBlocks, blockSize, numKVHeads, headSize)
}

func SwapBlocks(src, dst *kvcache.Cache, moves []kvcache.BlockMove) error {
	return kvcache.SwapBlocks(src, dst, moves)
}

func CopyBlocks(caches []*kvcache.Cache, moves []kvcache.BlockMove) error {
	return kvcache.CopyBlocks(caches, moves)
}
