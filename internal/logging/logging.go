package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the global slog logger.
func Setup(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))
}

// Component returns a logger tagged with a component name, so relay,
// store, and server lines are distinguishable in mixed output.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
