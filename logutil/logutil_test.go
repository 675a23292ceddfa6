package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrace(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var b bytes.Buffer
	slog.SetDefault(NewLogger(&b, LevelTrace))
	assert.True(t, TraceEnabled())

	Trace("attention", "path", "decode")
	assert.Contains(t, b.String(), "level=TRACE")
	assert.Contains(t, b.String(), "source=logutil_test.go:")
	assert.Contains(t, b.String(), "msg=attention path=decode")

	b.Reset()
	slog.SetDefault(NewLogger(&b, slog.LevelInfo))
	assert.False(t, TraceEnabled())

	Trace("attention")
	assert.Empty(t, b.String())

	slog.Info("cache", "blocks", 4)
	assert.Contains(t, b.String(), "level=INFO")
}
