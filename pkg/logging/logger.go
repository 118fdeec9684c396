// Package logging wraps log/slog behind a small constructor so every
// component receives an explicitly built logger instead of reaching for a
// process-wide default.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"sinkhole/pkg/config"
)

// Logger is a thin wrapper around slog.Logger.
type Logger struct {
	*slog.Logger
}

// New builds a logger from configuration. Output is "stdout", "stderr", or a
// file path opened in append mode.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", cfg.Output, err)
		}
		output = f
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// NewDefault returns an info-level text logger on stdout.
func NewDefault() *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{Logger: slog.New(handler)}
}

// NewDiscard returns a logger that drops everything. Used in tests.
func NewDiscard() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return &Logger{Logger: slog.New(handler)}
}

// With returns a logger carrying additional key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithComponent tags every record with the originating component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
