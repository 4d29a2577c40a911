// Package logging provides the process-wide structured logger glue.
// It mirrors the calling convention of the rest of the stack:
// NewLogger(level, target, filePath) builds a *slog.Logger from the
// configured level/target,
// and FromContext/IntoContext thread a logger through request-scoped code
// without a mutable global.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey struct{}

// NewLogger builds a *slog.Logger writing to target ("console" or "file")
// at the given level. Unrecognized levels fall back to info.
func NewLogger(level, target, filePath string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w *os.File
	switch target {
	case "file":
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			w = os.Stderr
		} else {
			w = f
		}
	default:
		w = os.Stderr
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IntoContext returns a context carrying logger.
func IntoContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
