package blockfs

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with blockfs-specific helpers so call sites log
// operations with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler uses
// the default text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger emitting JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger emitting human-readable lines to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithDevice tags the logger with the backing device path.
func (l *Logger) WithDevice(path string) *Logger {
	return &Logger{Logger: l.Logger.With("device", path)}
}

// LogMount logs the outcome of a mount.
func (l *Logger) LogMount(device string, err error) {
	if err != nil {
		l.Error("mount failed", "device", device, "error", err)
	} else {
		l.Info("mounted", "device", device)
	}
}

// LogUnmount logs the outcome of an unmount.
func (l *Logger) LogUnmount(device string, err error) {
	if err != nil {
		l.Error("unmount failed", "device", device, "error", err)
	} else {
		l.Info("unmounted", "device", device)
	}
}

// LogOperation logs a single filesystem operation at debug level, or the
// failure at error level.
func (l *Logger) LogOperation(op, path string, err error) {
	if err != nil {
		l.Error(op+" failed", "path", path, "error", err)
	} else {
		l.Debug(op, "path", path)
	}
}

// LogRecovery logs a WAL recovery pass run at mount time.
func (l *Logger) LogRecovery(entriesReplayed int, truncatedTail bool, err error) {
	if err != nil {
		l.Error("recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.Info("recovery completed",
			"entries_replayed", entriesReplayed,
			"truncated_tail", truncatedTail,
		)
	}
}

// LogCommit logs the outcome of a durable commit.
func (l *Logger) LogCommit(id uint64, records int, err error) {
	if err != nil {
		l.Error("commit failed", "tx", id, "records", records, "error", err)
	} else {
		l.Debug("commit", "tx", id, "records", records)
	}
}

// LogTransaction logs a transaction lifecycle event.
func (l *Logger) LogTransaction(event string, id uint64, err error) {
	if err != nil {
		l.Error("transaction "+event+" failed", "tx", id, "error", err)
	} else {
		l.Debug("transaction "+event, "tx", id)
	}
}
