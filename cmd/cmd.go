package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/pagedattention/envconfig"
	"github.com/ollama/pagedattention/logutil"
	_ "github.com/ollama/pagedattention/ml/backend"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagedattn",
		Short: "Paged KV cache attention",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	shapeCmd := &cobra.Command{
		Use:   "shape",
		Short: "Show the KV cache shape and size",
		Args:  cobra.NoArgs,
		RunE:  shapeHandler,
	}

	shapeCmd.Flags().Int("blocks", 1024, "Number of cache blocks")
	shapeCmd.Flags().Int("block-size", 128, "Tokens per block")
	shapeCmd.Flags().Int("kv-heads", 8, "Number of key/value heads")
	shapeCmd.Flags().Int("head-size", 128, "Size of each head")
	shapeCmd.Flags().Int("layers", 1, "Number of layers, each with its own cache")
	shapeCmd.Flags().String("dtype", envconfig.KvCacheType(), "Cache element type (f32, f16, bf16)")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  envHandler,
	}

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run prefill and decode attention over a paged cache",
		Args:  cobra.NoArgs,
		RunE:  benchHandler,
	}

	benchCmd.Flags().String("config", "", "Model config.json to read attention options from")
	benchCmd.Flags().Int("layers", 4, "Number of layers")
	benchCmd.Flags().Int("heads", 16, "Number of attention heads")
	benchCmd.Flags().Int("kv-heads", 4, "Number of key/value heads")
	benchCmd.Flags().Int("head-size", 64, "Size of each head")
	benchCmd.Flags().Bool("alibi", false, "Use ALiBi position bias instead of RoPE")
	benchCmd.Flags().Float32("rope-base", 10000, "RoPE base frequency")
	benchCmd.Flags().Bool("rope-neox", false, "Use NeoX style RoPE")
	benchCmd.Flags().Int("vocab", 1024, "Vocabulary size of the random embedding")
	benchCmd.Flags().Int("blocks", 256, "Number of cache blocks")
	benchCmd.Flags().Int("block-size", 16, "Tokens per block")
	benchCmd.Flags().Int("batch", 4, "Number of sequences")
	benchCmd.Flags().Int("prompt", 64, "Prompt tokens per sequence")
	benchCmd.Flags().Int("steps", 16, "Decode steps")
	benchCmd.Flags().Uint64("seed", 0, "Random seed")
	benchCmd.Flags().String("dtype", envconfig.KvCacheType(), "Cache element type (f32, f16, bf16)")
	benchCmd.Flags().String("format", "", "Output format (table, tsv). Default is table on a terminal")

	swapCmd := &cobra.Command{
		Use:   "swap FILE",
		Short: "Swap cache blocks out to a file and back in",
		Args:  cobra.ExactArgs(1),
		RunE:  swapHandler,
	}

	swapCmd.Flags().Int("blocks", 16, "Number of cache blocks")
	swapCmd.Flags().Int("block-size", 16, "Tokens per block")
	swapCmd.Flags().Int("kv-heads", 2, "Number of key/value heads")
	swapCmd.Flags().Int("head-size", 64, "Size of each head")
	swapCmd.Flags().String("moves", "1:2", "Comma separated src:dst block moves")
	swapCmd.Flags().String("dtype", envconfig.KvCacheType(), "Cache element type (f32, f16, bf16)")

	rootCmd.AddCommand(
		shapeCmd,
		envCmd,
		benchCmd,
		swapCmd,
	)

	return rootCmd
}
