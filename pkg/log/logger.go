// Package log provides structured logging for the nanoflow client.
// It wraps the standard library's slog package with domain helpers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with client-specific convenience methods.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration.
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithAccount returns a logger with an account field.
func (l *Logger) WithAccount(account string) *Logger {
	return l.WithFields("account", account)
}

// WithBlock returns a logger with a block hash field.
func (l *Logger) WithBlock(hash string) *Logger {
	return l.WithFields("block_hash", hash)
}

// WithError returns a logger with error context.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogWorkFound logs a completed work search.
func (l *Logger) LogWorkFound(seed, work string, source string, durationMs float64) {
	l.Info("work found",
		"seed", seed,
		"work", work,
		"source", source,
		"duration_ms", durationMs,
	)
}

// LogSubmission logs a block submission attempt and its outcome.
func (l *Logger) LogSubmission(account, blockHash string, attempt int, status string) {
	l.Info("block submission",
		"account", account,
		"block_hash", blockHash,
		"attempt", attempt,
		"status", status,
	)
}

// LogConfirmation logs a confirmed block.
func (l *Logger) LogConfirmation(blockHash string, via string, waitedMs float64) {
	l.Info("block confirmed",
		"block_hash", blockHash,
		"via", via,
		"waited_ms", waitedMs,
	)
}

// LogSubscription logs subscription channel events.
func (l *Logger) LogSubscription(event, topic string) {
	l.Info("subscription event",
		"event", event,
		"topic", topic,
	)
}
