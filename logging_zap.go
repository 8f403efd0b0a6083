// logging_zap.go: zap adapter for the Logger interface
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter wraps a zap SugaredLogger so it satisfies Logger.
type ZapAdapter struct {
	sugar *zap.SugaredLogger
}

// NewZapAdapter wraps a *zap.Logger. A nil logger yields zap.NewNop.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{sugar: logger.Sugar()}
}

// NewProductionLogger builds a zap production logger wrapped in a ZapAdapter.
func NewProductionLogger() (*ZapAdapter, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapAdapter(zl), nil
}

// NewLevelLogger builds a zap production logger emitting entries at level and
// above. Unknown levels fall back to info.
func NewLevelLogger(level string) (*ZapAdapter, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapAdapter(zl), nil
}

func (z *ZapAdapter) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
func (z *ZapAdapter) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *ZapAdapter) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *ZapAdapter) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }

// With implements Logger.
func (z *ZapAdapter) With(args ...any) Logger {
	return &ZapAdapter{sugar: z.sugar.With(args...)}
}

// Sync flushes buffered entries.
func (z *ZapAdapter) Sync() error {
	return z.sugar.Sync()
}

func adaptZap(l any) (Logger, bool) {
	switch v := l.(type) {
	case *zap.Logger:
		return NewZapAdapter(v), true
	case *zap.SugaredLogger:
		return &ZapAdapter{sugar: v}, true
	}
	return nil, false
}
