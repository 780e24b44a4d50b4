package logger

import (
	"io"
	"log/slog"
	"os"
)

const serviceName = "daoist-video"

// New returns a slog.Logger configured based on the application environment.
func New(env string) *slog.Logger {
	return NewWithWriter(env, os.Stdout)
}

// NewWithWriter builds the JSON logger on top of w. Every record carries the
// service name and environment.
func NewWithWriter(env string, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(env),
	})
	return slog.New(handler).With("service", serviceName, "env", env)
}

// Discard returns a logger that drops every record. Used by tests and
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func parseLevel(env string) slog.Level {
	switch env {
	case "production", "staging":
		return slog.LevelInfo
	case "test":
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}
