package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger used by the driver process. Every record
// carries the service name so driver-side logs can be told apart from the
// backend's once shipped.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level).With("service", "ride-queue")
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return newLogger(io.Discard, "error")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
