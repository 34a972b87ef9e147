// Package logger holds the process-wide zap logger. Every helper is a no-op
// until Initialize or Replace is called, so library code can log freely from
// tests.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.RWMutex
	// Logger is the global logger instance
	Logger *zap.Logger
)

// Initialize sets up the logger with the specified log level. The debug level
// switches to zap's development config.
func Initialize(level string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	if zapLevel == zapcore.DebugLevel {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	l, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	Replace(l)
	zap.ReplaceGlobals(l)
	return nil
}

// Replace swaps the global logger and returns a func restoring the previous
// one.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := Logger
	Logger = l
	mu.Unlock()
	return func() { Replace(prev) }
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

// Sync flushes any buffered log entries
func Sync() {
	if l := current(); l != nil {
		_ = l.Sync()
	}
}

// With returns a child logger carrying fields. It never returns nil.
func With(fields ...zap.Field) *zap.Logger {
	l := current()
	if l == nil {
		return zap.NewNop()
	}
	return l.With(fields...)
}

// Debug logs a debug message
func Debug(msg string, fields ...zap.Field) {
	if l := current(); l != nil {
		l.Debug(msg, fields...)
	}
}

// Info logs an info message
func Info(msg string, fields ...zap.Field) {
	if l := current(); l != nil {
		l.Info(msg, fields...)
	}
}

// Warn logs a warning message
func Warn(msg string, fields ...zap.Field) {
	if l := current(); l != nil {
		l.Warn(msg, fields...)
	}
}

// Error logs an error message
func Error(msg string, fields ...zap.Field) {
	if l := current(); l != nil {
		l.Error(msg, fields...)
	}
}

// Fatal logs a fatal message and exits
func Fatal(msg string, fields ...zap.Field) {
	if l := current(); l != nil {
		l.Fatal(msg, fields...)
	}
}

// GetLogger returns the global logger instance, which may be nil.
func GetLogger() *zap.Logger {
	return current()
}
