package cmd

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ollama/pagedattention/format"
	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/ml"
	"github.com/ollama/pagedattention/ml/nn"
	"github.com/ollama/pagedattention/ml/nn/attention"
	"github.com/ollama/pagedattention/ml/nn/rope"
)

type ropeOptions struct {
	base float32
	neox bool
}

type benchLayer struct {
	attn  *attention.Layer
	cache *kvcache.Cache

	norm              nn.RMSNorm
	query, key, value nn.Linear

	numHeads, numKVHeads, headSize int

	// nil with alibi
	rope *ropeOptions
}

func (l *benchLayer) applyRoPE(t *ml.Tensor, heads int, positions []int) *ml.Tensor {
	var opts []func(*rope.Options)
	if l.rope.neox {
		opts = append(opts, rope.WithTypeNeoX())
	}

	return nn.RoPE(t.Reshape(len(positions), heads, l.headSize), positions, l.headSize, l.rope.base, 1, opts...).Reshape(t.Shape()...)
}

func (l *benchLayer) forward(matmul ml.Matmul, x *ml.Tensor, positions []int, meta *attention.Metadata) error {
	h := l.norm.Forward(x, 1e-6)

	q := l.query.Forward(matmul, h)
	k := l.key.Forward(matmul, h)
	v := l.value.Forward(matmul, h)

	if l.rope != nil {
		q = l.applyRoPE(q, l.numHeads, positions)
		k = l.applyRoPE(k, l.numKVHeads, positions)
	}

	_, err := l.attn.Forward(q, k, v, l.cache, meta, attention.KVScales{}, attention.Decoder)
	return err
}

type benchResult struct {
	Phase   string
	Tokens  int
	Elapsed time.Duration
}

func randTensor(r *rand.Rand, scale float32, shape ...int) *ml.Tensor {
	t := ml.Empty(ml.DTypeF32, shape...)
	for i := range t.Data() {
		t.Data()[i] = (r.Float32()*2 - 1) * scale
	}

	return t
}

func randLinear(r *rand.Rand, out, in int) nn.Linear {
	scale := float32(1 / math.Sqrt(float64(in)))
	return nn.Linear{Weight: randTensor(r, scale, out, in), Bias: randTensor(r, scale, out)}
}

// benchOptions reads attention options from --config, if any, with explicitly
// set flags taking precedence
func benchOptions(cmd *cobra.Command) (attention.Options, error) {
	m := make(map[string]any)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		bts, err := os.ReadFile(path)
		if err != nil {
			return attention.Options{}, err
		}

		if err := json.Unmarshal(bts, &m); err != nil {
			return attention.Options{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	for _, f := range []struct{ flag, key string }{
		{"heads", "num_attention_heads"},
		{"kv-heads", "num_key_value_heads"},
		{"head-size", "head_dim"},
		{"alibi", "alibi"},
	} {
		if !cmd.Flags().Changed(f.flag) {
			if _, ok := m[f.key]; ok {
				continue
			}

			if _, ok := m["hidden_size"]; ok && f.key == "head_dim" {
				continue
			}
		}

		m[f.key] = cmd.Flags().Lookup(f.flag).Value.String()
	}

	return attention.OptionsFromMap(m)
}

func benchHandler(cmd *cobra.Command, args []string) error {
	opts, err := benchOptions(cmd)
	if err != nil {
		return err
	}

	dtype, err := dtypeFlag(cmd)
	if err != nil {
		return err
	}

	var dims [6]int
	for i, name := range []string{"layers", "blocks", "block-size", "batch", "prompt", "steps"} {
		if dims[i], err = cmd.Flags().GetInt(name); err != nil {
			return err
		}

		if dims[i] < 0 || (dims[i] == 0 && name != "steps") {
			return fmt.Errorf("--%s must be positive", name)
		}
	}

	numLayers, numBlocks, blockSize, batch, prompt, steps := dims[0], dims[1], dims[2], dims[3], dims[4], dims[5]

	seed, err := cmd.Flags().GetUint64("seed")
	if err != nil {
		return err
	}

	outputFormat, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	cfg := attention.ConfigFromEnv()
	if opts.AlibiSlopes != nil && (cfg.PromptUseFusedSDPA || cfg.ContiguousPA || cfg.SoftmaxImpl != attention.SoftmaxWSumHeadAMax) {
		slog.Warn("alibi runs without fused prefill or contiguous reads", "softmax", attention.SoftmaxWSumHeadAMax)
		cfg.PromptUseFusedSDPA = false
		cfg.ContiguousPA = false
		cfg.SoftmaxImpl = attention.SoftmaxWSumHeadAMax
	}

	if cfg.PromptAlibiMaxSeqLen == 0 && opts.MaxSeqLen == 0 {
		// the prompt bias only has to cover this run
		cfg.PromptAlibiMaxSeqLen = prompt
	}

	backend, err := ml.NewBackend(cmp.Or(cfg.Backend, "cpu"))
	if err != nil {
		return err
	}

	vocab, err := cmd.Flags().GetInt("vocab")
	if err != nil {
		return err
	}

	if vocab <= 0 {
		return errors.New("--vocab must be positive")
	}

	var ropeOpts *ropeOptions
	if opts.AlibiSlopes == nil {
		ropeOpts = &ropeOptions{}
		if ropeOpts.base, err = cmd.Flags().GetFloat32("rope-base"); err != nil {
			return err
		}

		if ropeOpts.neox, err = cmd.Flags().GetBool("rope-neox"); err != nil {
			return err
		}
	}

	numKVHeads := cmp.Or(opts.NumKVHeads, opts.NumHeads)
	hidden := opts.NumHeads * opts.HeadSize
	r := rand.New(rand.NewPCG(seed, seed))

	embedding := nn.Embedding{Weight: randTensor(r, 1, vocab, hidden)}
	// embeds random token ids as [tokens..., hidden]
	embed := func(tokens ...int) *ml.Tensor {
		n := 1
		for _, t := range tokens {
			n *= t
		}

		ids := make([]int, n)
		for i := range ids {
			ids[i] = r.IntN(vocab)
		}

		return embedding.Forward(ids).Reshape(append(tokens, hidden)...)
	}

	layers := make([]*benchLayer, numLayers)
	for i := range layers {
		attn, err := attention.New(opts, cfg, attention.WithBackend(backend))
		if err != nil {
			return err
		}

		layers[i] = &benchLayer{
			attn:       attn,
			cache:      kvcache.New(dtype, numBlocks, blockSize, numKVHeads, opts.HeadSize),
			norm:       nn.RMSNorm{Weight: ml.Full(1, hidden)},
			query:      randLinear(r, hidden, hidden),
			key:        randLinear(r, numKVHeads*opts.HeadSize, hidden),
			value:      randLinear(r, numKVHeads*opts.HeadSize, hidden),
			numHeads:   opts.NumHeads,
			numKVHeads: numKVHeads,
			headSize:   opts.HeadSize,
			rope:       ropeOpts,
		}
	}

	allocator := kvcache.NewAllocator(numBlocks)
	seqs := make([]attention.Sequence, batch)
	for i := range seqs {
		blocks, err := allocator.Allocate(kvcache.BlocksNeeded(prompt+steps, blockSize))
		if err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}

		seqs[i] = attention.Sequence{Blocks: blocks, NumTokens: prompt}
	}

	defer func() {
		for _, s := range seqs {
			if s.Blocks != nil {
				allocator.Free(s.Blocks...)
			}
		}
	}()

	id := uuid.New()
	slog.Info("starting bench", "id", id, "layers", numLayers, "heads", opts.NumHeads, "kv_heads", numKVHeads,
		"head_size", opts.HeadSize, "alibi", opts.AlibiSlopes != nil, "dtype", dtype, "free_blocks", allocator.Available())

	meta, err := attention.PrefillMetadata(seqs, attention.BatchOptions{BlockSize: blockSize})
	if err != nil {
		return err
	}

	positions := make([]int, 0, batch*prompt)
	for range batch {
		for p := range prompt {
			positions = append(positions, p)
		}
	}

	elapsed, err := runLayers(cmd.Context(), layers, backend, embed(batch, prompt), positions, meta)
	if err != nil {
		return err
	}

	results := []benchResult{{Phase: "prefill", Tokens: batch * prompt, Elapsed: elapsed}}

	if steps > 0 {
		batchOpts := attention.BatchOptions{BlockSize: blockSize, Contiguous: cfg.ContiguousPA}

		var total time.Duration
		for step := range steps {
			positions := make([]int, batch)
			for i := range seqs {
				seqs[i].ContextLen = prompt + step
				seqs[i].NumTokens = 1
				positions[i] = seqs[i].ContextLen
			}

			meta, err := attention.DecodeMetadata(seqs, batchOpts)
			if err != nil {
				return err
			}

			elapsed, err := runLayers(cmd.Context(), layers, backend, embed(batch), positions, meta)
			if err != nil {
				return err
			}

			total += elapsed
		}

		results = append(results, benchResult{Phase: "decode", Tokens: batch * steps, Elapsed: total})
	}

	return writeResults(cmd.OutOrStdout(), outputFormat, id, results)
}

// runLayers runs every layer on the same input. Layers own their caches so
// they run concurrently.
func runLayers(ctx context.Context, layers []*benchLayer, matmul ml.Matmul, x *ml.Tensor, positions []int, meta *attention.Metadata) (time.Duration, error) {
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, l := range layers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := l.forward(matmul, x, positions, meta); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

func writeResults(out io.Writer, outputFormat string, id uuid.UUID, results []benchResult) error {
	if outputFormat == "" {
		outputFormat = "tsv"
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			outputFormat = "table"
		}
	}

	header := []string{"ID", "PHASE", "TOKENS", "DURATION", "TOKENS/S"}

	switch outputFormat {
	case "table":
		var data [][]string
		for _, r := range results {
			data = append(data, []string{id.String()[:8], r.Phase, format.HumanNumber(uint64(r.Tokens)), r.Elapsed.Round(time.Microsecond).String(), rate(r)})
		}

		table := newTable(out)
		table.SetHeader(header)
		table.AppendBulk(data)
		table.Render()
	case "tsv":
		fmt.Fprintln(out, strings.Join(header, "\t"))
		for _, r := range results {
			fmt.Fprintln(out, strings.Join([]string{id.String(), r.Phase, strconv.Itoa(r.Tokens), strconv.FormatInt(r.Elapsed.Nanoseconds(), 10), rate(r)}, "\t"))
		}
	default:
		return errors.New("unknown format " + strconv.Quote(outputFormat))
	}

	return nil
}

func rate(r benchResult) string {
	if r.Elapsed <= 0 {
		return "-"
	}

	return strconv.FormatFloat(float64(r.Tokens)/r.Elapsed.Seconds(), 'f', 2, 64)
}
