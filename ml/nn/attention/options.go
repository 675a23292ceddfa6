package attention

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/ollama/pagedattention/envconfig"
	"github.com/ollama/pagedattention/ml"
)

// Options are the per-layer hyper-parameters
type Options struct {
	NumHeads int `mapstructure:"num_attention_heads"`

	// NumKVHeads defaults to NumHeads
	NumKVHeads int `mapstructure:"num_key_value_heads"`

	HeadSize int `mapstructure:"head_dim"`

	// Scale is a scaling factor applied to the attention scores. Default is 1/√d_k.
	Scale float64 `mapstructure:"scale"`

	// AlibiSlopes has one slope per head or per kv head. Nil disables ALiBi.
	AlibiSlopes []float32 `mapstructure:"alibi_slopes"`

	// MaxSeqLen sizes the precomputed prompt ALiBi bias. Default is 4096.
	MaxSeqLen int `mapstructure:"max_position_embeddings"`
}

type SoftmaxImpl string

const (
	// SoftmaxAMax uses the exact maximum of each sequence's blocks
	SoftmaxAMax SoftmaxImpl = "amax"
	// SoftmaxWSum uses the block-scale weighted mean of the block maxima.
	// Block maxima more than about 88 above that mean overflow float32 in
	// the rescale and zero the sequence's output. Use SoftmaxAMax when
	// scores can spread that far.
	SoftmaxWSum SoftmaxImpl = "wsum"
	// SoftmaxWSumHeadAMax is SoftmaxWSum over maxima already reduced across heads
	SoftmaxWSumHeadAMax SoftmaxImpl = "wsum_head_amax"
)

// Config holds the process-wide switches. It is resolved once and never
// consulted from the environment again.
type Config struct {
	PromptUseFusedSDPA    bool
	AlibiUseFloat32Biases bool
	// PromptAlibiMaxSeqLen overrides Options.MaxSeqLen when non-zero
	PromptAlibiMaxSeqLen int
	ContiguousPA         bool
	SoftmaxImpl          SoftmaxImpl
	Backend              string
}

func DefaultConfig() Config {
	return Config{
		PromptUseFusedSDPA: true,
		ContiguousPA:       true,
		SoftmaxImpl:        SoftmaxWSumHeadAMax,
		Backend:            "cpu",
	}
}

func ConfigFromEnv() Config {
	return Config{
		PromptUseFusedSDPA:    envconfig.PromptUseFusedSDPA(true),
		AlibiUseFloat32Biases: envconfig.AlibiUseFloat32Biases(),
		PromptAlibiMaxSeqLen:  int(envconfig.PromptAlibiMaxSeqLen()),
		ContiguousPA:          envconfig.ContiguousPA(true),
		SoftmaxImpl:           SoftmaxImpl(envconfig.PASoftmaxImpl()),
		Backend:               envconfig.Backend(),
	}
}

type Option func(*Layer)

// WithBackend uses b for every operator not set by another option
func WithBackend(b ml.Backend) Option {
	return func(l *Layer) {
		if l.matmul == nil {
			l.matmul = b
		}
		if l.softmax == nil {
			l.softmax = b
		}
		if l.sdpa == nil {
			l.sdpa = b
		}
	}
}

func WithMatmul(m ml.Matmul) Option {
	return func(l *Layer) {
		l.matmul = m
	}
}

func WithSoftmax(s ml.Softmax) Option {
	return func(l *Layer) {
		l.softmax = s
	}
}

func WithFusedSDPA(f ml.ScaledDotProductAttention) Option {
	return func(l *Layer) {
		l.sdpa = f
	}
}

// OptionsFromMap decodes layer options from a model configuration such as
// a parsed config.json. "alibi": true generates the standard slopes and a
// missing head_dim is derived from hidden_size.
func OptionsFromMap(m map[string]any) (Options, error) {
	var opts Options
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return Options{}, err
	}

	if err := decoder.Decode(m); err != nil {
		return Options{}, fmt.Errorf("decoding attention options: %w", err)
	}

	var extra struct {
		HiddenSize int  `mapstructure:"hidden_size"`
		Alibi      bool `mapstructure:"alibi"`
	}
	if err := mapstructure.WeakDecode(m, &extra); err != nil {
		return Options{}, fmt.Errorf("decoding attention options: %w", err)
	}

	if opts.HeadSize == 0 && opts.NumHeads > 0 {
		opts.HeadSize = extra.HiddenSize / opts.NumHeads
	}

	if extra.Alibi && opts.AlibiSlopes == nil {
		opts.AlibiSlopes = Slopes(opts.NumHeads)
	}

	return opts, nil
}
