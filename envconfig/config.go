package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("OLLAMA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// PromptUseFusedSDPA runs prompt attention through the fused kernel when no bias is needed.
	PromptUseFusedSDPA = BoolWithDefault("OLLAMA_PROMPT_USE_FUSEDSDPA")
	// AlibiUseFloat32Biases keeps ALiBi biases in float32 instead of bfloat16.
	AlibiUseFloat32Biases = Bool("OLLAMA_ALIBI_USE_FLOAT32_BIASES")
	// ContiguousPA reads decode blocks as a prefix of the cache instead of gathering them.
	ContiguousPA = BoolWithDefault("OLLAMA_CONTIGUOUS_PA")
	// KvCacheType is the element type of the K/V cache
	KvCacheType = String("OLLAMA_KV_CACHE_TYPE")
	// PromptAlibiMaxSeqLen bounds the precomputed prompt ALiBi bias. 0 uses the model's maximum sequence length.
	PromptAlibiMaxSeqLen = Uint("OLLAMA_PROMPT_ALIBI_MAX_SEQ_LEN", 0)
)

// PASoftmaxImpl selects how decode attention combines per-block maxima
func PASoftmaxImpl() string {
	if s := Var("OLLAMA_PA_SOFTMAX_IMPL"); s != "" {
		return strings.ToLower(s)
	}

	return "wsum_head_amax"
}

// Backend is the registered operator backend used for attention
func Backend() string {
	if s := Var("OLLAMA_BACKEND"); s != "" {
		return s
	}

	return "cpu"
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				slog.Warn("invalid boolean environment variable, treating as true", "key", k, "value", s)
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OLLAMA_DEBUG":                    {"OLLAMA_DEBUG", LogLevel(), "Show additional debug information (e.g. OLLAMA_DEBUG=1)"},
		"OLLAMA_BACKEND":                  {"OLLAMA_BACKEND", Backend(), "Operator backend for attention (default \"cpu\")"},
		"OLLAMA_PROMPT_USE_FUSEDSDPA":     {"OLLAMA_PROMPT_USE_FUSEDSDPA", PromptUseFusedSDPA(true), "Use the fused attention kernel for prompts without bias (default true)"},
		"OLLAMA_ALIBI_USE_FLOAT32_BIASES": {"OLLAMA_ALIBI_USE_FLOAT32_BIASES", AlibiUseFloat32Biases(), "Keep ALiBi biases in float32 instead of bfloat16"},
		"OLLAMA_PROMPT_ALIBI_MAX_SEQ_LEN": {"OLLAMA_PROMPT_ALIBI_MAX_SEQ_LEN", PromptAlibiMaxSeqLen(), "Largest prompt covered by the precomputed ALiBi bias (default: model maximum)"},
		"OLLAMA_CONTIGUOUS_PA":            {"OLLAMA_CONTIGUOUS_PA", ContiguousPA(true), "Read decode blocks as a contiguous prefix of the cache (default true)"},
		"OLLAMA_PA_SOFTMAX_IMPL":          {"OLLAMA_PA_SOFTMAX_IMPL", PASoftmaxImpl(), "Decode softmax reduction: amax, wsum or wsum_head_amax (default \"wsum_head_amax\")"},
		"OLLAMA_KV_CACHE_TYPE":            {"OLLAMA_KV_CACHE_TYPE", KvCacheType(), "Element type for the K/V cache (default: f32)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
