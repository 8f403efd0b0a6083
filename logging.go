// logging.go: Pluggable logging for the supervisor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"sync"
)

type loggerContextKey string

const loggerKey loggerContextKey = "supervisor-logger"

// Logger is the structured logging interface used by every supervisor component.
//
// Arguments are alternating key-value pairs. Any framework can be plugged in by
// implementing the five methods; ZapAdapter covers zap, which is what the
// supervisor uses when no logger is supplied and a production logger is wanted.
//
// Example usage:
//
//	zl, _ := zap.NewProduction()
//	orch, err := supervisor.New(supervisor.Options{Logger: supervisor.NewZapAdapter(zl)})
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that adds the given key-value pairs to every entry.
	With(args ...any) Logger
}

// NewLogger normalises a user supplied logger.
//
// Supported types:
//   - Logger: used directly
//   - *zap.Logger and *zap.SugaredLogger: wrapped in a ZapAdapter
//   - nil: a NoOpLogger
//
// Anything else panics, since a misconfigured logger is a programming error.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case nil:
		return NewNoOpLogger()
	default:
		if adapted, ok := adaptZap(l); ok {
			return adapted
		}
		panic("unsupported logger type: expected Logger, *zap.Logger, *zap.SugaredLogger or nil")
	}
}

// NoOpLogger discards every entry.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger. The receiver is stateless so it is returned as is.
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures entries in memory so tests can assert on them.
//
// Loggers derived through With share the parent's buffer, so assertions on the
// root logger see entries written by component loggers.
type TestLogger struct {
	mu       *sync.RWMutex
	messages *[]TestLogMessage
	fields   []any
}

// TestLogMessage is one captured entry.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new capturing logger.
func NewTestLogger() *TestLogger {
	messages := make([]TestLogMessage, 0)
	return &TestLogger{
		mu:       &sync.RWMutex{},
		messages: &messages,
	}
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)

	t.mu.Lock()
	defer t.mu.Unlock()
	*t.messages = append(*t.messages, TestLogMessage{Level: level, Message: msg, Args: all})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With implements Logger.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{mu: t.mu, messages: t.messages, fields: fields}
}

// Messages returns a copy of every captured entry.
func (t *TestLogger) Messages() []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, len(*t.messages))
	copy(out, *t.messages)
	return out
}

// HasMessage reports whether an entry with the given level and message exists.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range *t.messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Clear drops every captured entry.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.messages = (*t.messages)[:0]
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext extracts a logger stored with ContextWithLogger, falling
// back to DefaultLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
