package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup creates a text *slog.Logger on stderr, sets it as the default, and returns it.
// The level accepts "debug", "info", "warn" or "error" (case-insensitive); anything else is info.
func Setup(level string) *slog.Logger {
	return SetupWriter(os.Stderr, level)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
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
