package outbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DebugLogger traces server communication: requests, responses and full
// error details. It implements the transport's tracer hooks.
type DebugLogger struct {
	mu      sync.Mutex
	enabled bool
	closer  io.Closer
	logger  *slog.Logger
}

// NewDebugLogger creates a new debug logger.
// If logPath is empty, logs to stderr.
func NewDebugLogger(enabled bool, logPath string) (*DebugLogger, error) {
	var writer io.Writer = os.Stderr
	var closer io.Closer

	if enabled && logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		writer = f
		closer = f
	}

	return newDebugLogger(enabled, writer, closer), nil
}

func newDebugLogger(enabled bool, w io.Writer, closer io.Closer) *DebugLogger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &DebugLogger{
		enabled: enabled,
		closer:  closer,
		logger:  slog.New(handler).With("component", "outbox-debug"),
	}
}

// Enabled reports whether traces are written.
func (l *DebugLogger) Enabled() bool {
	return l != nil && l.enabled
}

// Close closes the debug logger if it's writing to a file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer != nil {
		err := l.closer.Close()
		l.closer = nil
		l.enabled = false
		return err
	}
	return nil
}

// LogRequest logs an outgoing HTTP request.
func (l *DebugLogger) LogRequest(method, url string, body []byte) {
	if !l.Enabled() {
		return
	}
	l.log("request", "method", method, "url", url, "body", truncateForLog(string(body), 2000))
}

// LogResponse logs an HTTP response.
func (l *DebugLogger) LogResponse(statusCode int, status string, body []byte) {
	if !l.Enabled() {
		return
	}
	l.log("response", "status_code", statusCode, "status", status, "body", truncateForLog(string(body), 4000))
}

// LogError logs an error with full details.
func (l *DebugLogger) LogError(operation string, err error) {
	if !l.Enabled() {
		return
	}
	l.log("error", "op", operation, "err", err)
}

// LogReplay logs the outcome of one mutation during replay.
func (l *DebugLogger) LogReplay(m *PendingMutation, outcome Outcome) {
	if !l.Enabled() {
		return
	}
	l.log("replay", "id", m.ID, "tenant", m.Tenant, "key", m.IdempotencyKey,
		"retries", m.Retries, "outcome", outcome.String())
}

func (l *DebugLogger) log(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	l.logger.Debug(msg, args...)
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
