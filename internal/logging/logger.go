// Package logging provides the structured, context-scoped logger used across
// the daemon: dispatchers, workers, monitors and provider clients all pull
// their logger from context rather than taking a *zerolog.Logger parameter
// directly, so call sites stay free of logging concerns.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// SyncLogger is the logging surface every package in this module depends on.
// Fields carries structured metadata (org ID, integration, module name, batch
// size, ...); it is merged into the underlying zerolog event.
type SyncLogger interface {
	Log(level string, message string, fields map[string]interface{})
	Debug(message string, fields map[string]interface{})
	Info(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Error(message string, err error, fields map[string]interface{})
}

// zerologLogger adapts zerolog.Logger to SyncLogger.
type zerologLogger struct {
	logger zerolog.Logger
}

// New builds a SyncLogger writing to w in the given format ("json" or
// "text"), at the given minimum level.
func New(w io.Writer, format, level string) SyncLogger {
	if w == nil {
		w = os.Stdout
	}

	var out io.Writer = w
	if format == "text" || format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zerologLogger{logger: zl}
}

// NewNop returns a SyncLogger that discards everything; useful as a safe
// fallback and in tests that don't assert on log output.
func NewNop() SyncLogger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (l *zerologLogger) event(level string) *zerolog.Event {
	switch level {
	case "debug":
		return l.logger.Debug()
	case "warn", "warning":
		return l.logger.Warn()
	case "error":
		return l.logger.Error()
	default:
		return l.logger.Info()
	}
}

func (l *zerologLogger) Log(level, message string, fields map[string]interface{}) {
	l.event(level).Fields(fields).Msg(message)
}

func (l *zerologLogger) Debug(message string, fields map[string]interface{}) {
	l.logger.Debug().Fields(fields).Msg(message)
}

func (l *zerologLogger) Info(message string, fields map[string]interface{}) {
	l.logger.Info().Fields(fields).Msg(message)
}

func (l *zerologLogger) Warn(message string, fields map[string]interface{}) {
	l.logger.Warn().Fields(fields).Msg(message)
}

func (l *zerologLogger) Error(message string, err error, fields map[string]interface{}) {
	l.logger.Error().Err(err).Fields(fields).Msg(message)
}

// context plumbing.

type contextKey int

const loggerKey contextKey = iota

// WithLogger attaches a SyncLogger to ctx.
func WithLogger(ctx context.Context, logger SyncLogger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the SyncLogger from ctx, falling back to a no-op
// logger so callers never need a nil check.
func FromContext(ctx context.Context) SyncLogger {
	if logger, ok := ctx.Value(loggerKey).(SyncLogger); ok {
		return logger
	}
	return NewNop()
}
