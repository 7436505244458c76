package outbox

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds a structured logger writing to w.
// level is one of debug, info, warn, error (default warn); format is
// "json" or anything else for text.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func validLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "error":
		return true
	}
	return false
}
