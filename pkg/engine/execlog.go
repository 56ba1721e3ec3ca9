package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-vision/pkg/domain"
)

// ExecutionLog is the append-only trace of one run. Entries are retained only when the
// log is enabled; every entry is also forwarded to the structured logger.
type ExecutionLog struct {
	logger  *slog.Logger
	enabled bool
	entries []domain.LogEntry
	now     func() time.Time
}

// NewExecutionLog creates a log bound to logger. A nil logger uses slog.Default().
func NewExecutionLog(logger *slog.Logger, enabled bool) *ExecutionLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionLog{logger: logger, enabled: enabled, now: time.Now}
}

// Add appends an entry. args are formatted into the message with fmt.Sprintf.
func (l *ExecutionLog) Add(level domain.LogLevel, nodeID, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	attrs := []any{}
	if nodeID != "" {
		attrs = append(attrs, "node_id", nodeID)
	}
	l.logger.Log(context.Background(), slogLevel(level), msg, attrs...)

	if !l.enabled {
		return
	}
	l.entries = append(l.entries, domain.LogEntry{
		Time:    l.now(),
		Level:   level,
		NodeID:  nodeID,
		Message: msg,
	})
}

// Debug records a debug entry for nodeID.
func (l *ExecutionLog) Debug(nodeID, format string, args ...any) {
	l.Add(domain.LogDebug, nodeID, format, args...)
}

// Info records an info entry for nodeID.
func (l *ExecutionLog) Info(nodeID, format string, args ...any) {
	l.Add(domain.LogInfo, nodeID, format, args...)
}

// Warn records a warning for nodeID.
func (l *ExecutionLog) Warn(nodeID, format string, args ...any) {
	l.Add(domain.LogWarn, nodeID, format, args...)
}

// Error records an error entry for nodeID.
func (l *ExecutionLog) Error(nodeID, format string, args ...any) {
	l.Add(domain.LogError, nodeID, format, args...)
}

// Entries returns a copy of the retained entries.
func (l *ExecutionLog) Entries() []domain.LogEntry {
	if len(l.entries) == 0 {
		return nil
	}
	out := make([]domain.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func slogLevel(level domain.LogLevel) slog.Level {
	switch level {
	case domain.LogDebug:
		return slog.LevelDebug
	case domain.LogWarn:
		return slog.LevelWarn
	case domain.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
