package eternity

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the interface every engine component logs through. Kept
// deliberately small so both a stdlib slog backend and a zap backend
// (logger_zap.go) can implement it without adapters leaking upward.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type defaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger returns a Logger backed by log/slog writing text to stdout.
func NewDefaultLogger() Logger {
	return &defaultLogger{
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, keysAndValues...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...)}
}

// noopLogger discards everything; tests pass it explicitly through
// WithLogger to keep output quiet.
type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...interface{})     {}
func (noopLogger) Info(context.Context, string, ...interface{})      {}
func (noopLogger) Warn(context.Context, string, ...interface{})      {}
func (noopLogger) Error(context.Context, string, ...interface{})     {}
func (noopLogger) WithFields(map[string]interface{}) Logger          { return noopLogger{} }
