package notifier

import (
	"context"
	"log/slog"
)

// Log notifies by writing a structured log line, used when no Telegram
// credentials are configured but heartbeat notifications are still wanted
// in the process's own logs.
type Log struct {
	logger *slog.Logger
}

// NewLog builds a Log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Emit logs message at warn level.
func (l *Log) Emit(_ context.Context, message string) error {
	l.logger.Warn("credential liveness notification", "message", message)
	return nil
}
