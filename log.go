package quire

import (
	"log/slog"
	"os"
)

// SetupLogging installs a text or JSON slog handler on stderr as the default
// logger. Index loggers derive from slog.Default at creation time.
func SetupLogging(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func componentLogger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
