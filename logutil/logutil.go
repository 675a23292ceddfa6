package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

// NewLogger returns a text logger that names TRACE records and shortens
// source paths to the file name
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}

// TraceEnabled reports whether the default logger writes TRACE records. Use
// it to skip building expensive attributes.
func TraceEnabled() bool {
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

type skipKey struct{}

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.Background(), skipKey{}, 1), msg, args...)
}

// TraceContext logs at TRACE with the caller as the source
func TraceContext(ctx context.Context, msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}

	skip, _ := ctx.Value(skipKey{}).(int)

	var pcs [1]uintptr
	runtime.Callers(2+skip, pcs[:])

	record := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	record.Add(args...)
	_ = logger.Handler().Handle(ctx, record)
}
