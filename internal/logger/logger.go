// Package logger provides the process-wide structured logger.
//
// Logs are written as JSON to a dated file under the configured log
// directory and mirrored to stderr. Sessions attach their identifiers
// through context so that every line of a long-running stream can be
// correlated after the fact.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the global logger. If jsonOutput is true, logs are
// formatted as JSON for production.
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "loom-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stderr, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// Close closes the log file if Init opened one.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyExecutionID contextKey = "execution_id"
	ContextKeySessionID   contextKey = "session_id"
	ContextKeyProjectID   contextKey = "project_id"
)

// WithContext returns a logger carrying any session identifiers present in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if executionID := ctx.Value(ContextKeyExecutionID); executionID != nil {
		logger = logger.With("execution_id", executionID)
	}
	if sessionID := ctx.Value(ContextKeySessionID); sessionID != nil {
		logger = logger.With("session_id", sessionID)
	}
	if projectID := ctx.Value(ContextKeyProjectID); projectID != nil {
		logger = logger.With("project_id", projectID)
	}

	return logger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { Slog().Debug(msg, args...) }

// Info logs an info message.
func Info(msg string, args ...any) { Slog().Info(msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { Slog().Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { Slog().Error(msg, args...) }

// InfoContext logs an info message with context fields attached.
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning with context fields attached.
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error with context fields attached.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}
