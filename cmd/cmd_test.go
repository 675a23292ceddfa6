package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/pagedattention/kvcache"
	"github.com/ollama/pagedattention/ml/nn/attention"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OLLAMA_DEBUG",
		"OLLAMA_BACKEND",
		"OLLAMA_PROMPT_USE_FUSEDSDPA",
		"OLLAMA_ALIBI_USE_FLOAT32_BIASES",
		"OLLAMA_PROMPT_ALIBI_MAX_SEQ_LEN",
		"OLLAMA_CONTIGUOUS_PA",
		"OLLAMA_PA_SOFTMAX_IMPL",
		"OLLAMA_KV_CACHE_TYPE",
	} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var b bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&b)
	cmd.SetErr(&b)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return b.String(), err
}

func TestShape(t *testing.T) {
	clearEnv(t)

	out, err := run(t, "shape", "--blocks", "16", "--block-size", "128", "--kv-heads", "8", "--head-size", "128", "--dtype", "f16", "--layers", "2")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"[16 128 8 128]", "f16", "2048", "8.4 MB", "16.8 MB"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	_, err = run(t, "shape", "--dtype", "q4")
	assert.ErrorContains(t, err, "unsupported dtype")

	_, err = run(t, "shape", "--blocks", "0")
	assert.ErrorContains(t, err, "--blocks must be positive")
}

func TestEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_PA_SOFTMAX_IMPL", "AMAX")

	out, err := run(t, "env")
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 9)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.True(t, strings.HasPrefix(lines[1], "OLLAMA_ALIBI_USE_FLOAT32_BIASES"))

	for _, line := range lines {
		if strings.HasPrefix(line, "OLLAMA_PA_SOFTMAX_IMPL") {
			assert.Contains(t, line, "amax")
		}
	}
}

func TestBench(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "defaults"},
		{name: "dense", env: map[string]string{"OLLAMA_PROMPT_USE_FUSEDSDPA": "false", "OLLAMA_CONTIGUOUS_PA": "false"}},
		{name: "amax", env: map[string]string{"OLLAMA_PA_SOFTMAX_IMPL": "amax"}},
		{name: "alibi", args: []string{"--alibi"}},
		{name: "bf16", args: []string{"--dtype", "bf16"}},
		{name: "neox", args: []string{"--rope-neox", "--rope-base", "500000", "--vocab", "16"}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			args := append([]string{
				"bench",
				"--layers", "2",
				"--heads", "4",
				"--kv-heads", "2",
				"--head-size", "64",
				"--blocks", "16",
				"--block-size", "4",
				"--batch", "2",
				"--prompt", "5",
				"--steps", "3",
				"--format", "tsv",
			}, tt.args...)

			out, err := run(t, args...)
			if err != nil {
				t.Fatal(err)
			}

			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 3)
			assert.Equal(t, "ID\tPHASE\tTOKENS\tDURATION\tTOKENS/S", lines[0])

			prefill := strings.Split(lines[1], "\t")
			require.Len(t, prefill, 5)
			_, err = uuid.Parse(prefill[0])
			assert.NoError(t, err)
			assert.Equal(t, []string{"prefill", "10"}, prefill[1:3])

			decode := strings.Split(lines[2], "\t")
			require.Len(t, decode, 5)
			assert.Equal(t, prefill[0], decode[0])
			assert.Equal(t, []string{"decode", "6"}, decode[1:3])
		})
	}
}

func TestBenchCacheFull(t *testing.T) {
	clearEnv(t)

	_, err := run(t, "bench", "--layers", "1", "--heads", "4", "--kv-heads", "2", "--head-size", "64",
		"--blocks", "4", "--block-size", "4", "--batch", "2", "--prompt", "8", "--steps", "1")
	assert.ErrorIs(t, err, kvcache.ErrKvCacheFull)
}

func TestBenchOptions(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"num_attention_heads": 4, "num_key_value_heads": 1, "hidden_size": 256, "max_position_embeddings": 512}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		flags []string
		want  attention.Options
	}{
		{
			name: "flags",
			want: attention.Options{NumHeads: 16, NumKVHeads: 4, HeadSize: 64},
		},
		{
			name:  "config",
			flags: []string{"--config", path},
			want:  attention.Options{NumHeads: 4, NumKVHeads: 1, HeadSize: 64, MaxSeqLen: 512},
		},
		{
			name:  "override",
			flags: []string{"--config", path, "--kv-heads", "2", "--head-size", "80"},
			want:  attention.Options{NumHeads: 4, NumKVHeads: 2, HeadSize: 80, MaxSeqLen: 512},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			bench, _, err := NewCLI().Find([]string{"bench"})
			require.NoError(t, err)
			require.NoError(t, bench.ParseFlags(tt.flags))

			got, err := benchOptions(bench)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteResults(t *testing.T) {
	id := uuid.MustParse("8b3e5f2a-1c4d-4e6f-9a0b-2c3d4e5f6a7b")
	results := []benchResult{
		{Phase: "prefill", Tokens: 1500, Elapsed: 2 * time.Second},
		{Phase: "decode", Tokens: 4},
	}

	var b bytes.Buffer
	require.NoError(t, writeResults(&b, "tsv", id, results))

	expect := "ID\tPHASE\tTOKENS\tDURATION\tTOKENS/S\n" +
		"8b3e5f2a-1c4d-4e6f-9a0b-2c3d4e5f6a7b\tprefill\t1500\t2000000000\t750.00\n" +
		"8b3e5f2a-1c4d-4e6f-9a0b-2c3d4e5f6a7b\tdecode\t4\t0\t-\n"
	if diff := cmp.Diff(expect, b.String()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}

	b.Reset()
	require.NoError(t, writeResults(&b, "table", id, results))
	assert.Contains(t, b.String(), "8b3e5f2a")
	assert.Contains(t, b.String(), "1.50K")

	assert.Error(t, writeResults(&b, "yaml", id, results))

	// a buffer is never a terminal
	b.Reset()
	require.NoError(t, writeResults(&b, "", id, results))
	assert.True(t, strings.HasPrefix(b.String(), "ID\t"))
}

func TestParseMoves(t *testing.T) {
	cases := []struct {
		in      string
		want    []kvcache.BlockMove
		wantErr bool
	}{
		{in: "1:2", want: []kvcache.BlockMove{{Src: 1, Dst: 2}}},
		{in: "1:2, 3:0,", want: []kvcache.BlockMove{{Src: 1, Dst: 2}, {Src: 3, Dst: 0}}},
		{in: "", wantErr: true},
		{in: "1-2", wantErr: true},
		{in: "a:2", wantErr: true},
		{in: "1:b", wantErr: true},
	}

	for _, tt := range cases {
		got, err := parseMoves(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}

		require.NoError(t, err, tt.in)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseMoves(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestSwap(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "blocks.cbor")
	out, err := run(t, "swap", path, "--blocks", "4", "--block-size", "2", "--kv-heads", "1", "--head-size", "4", "--moves", "1:2,3:0", "--dtype", "bf16")
	if err != nil {
		t.Fatal(err)
	}

	assert.Contains(t, out, "bf16")
	assert.FileExists(t, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	s, err := kvcache.ReadSnapshot(f)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, s.Blocks)
	assert.Equal(t, []int{2, 1, 4}, s.Block)
	assert.Len(t, s.Key, 2*2*1*4)

	_, err = run(t, "swap", path, "--blocks", "4", "--moves", "7:1")
	assert.ErrorContains(t, err, "out of range")
}
