// Package log wraps zap with the teacher's conditional-debug idiom: debug
// logging is gated by a runtime flag (EnableDebugLogging there,
// Logger.debugEnabled here) while info/warn/error always log.
package log

import (
	"go.uber.org/zap"
)

// Logger is a thin wrapper around *zap.SugaredLogger that gates Debugf
// behind an explicit enable flag, the same conditional the teacher wraps
// around its plugin API's LogDebug.
type Logger struct {
	sugar        *zap.SugaredLogger
	debugEnabled bool
}

// New builds a production zap logger. debugEnabled mirrors the teacher's
// per-installation EnableDebugLogging configuration flag.
func New(debugEnabled bool) (*Logger, error) {
	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zl.Sugar(), debugEnabled: debugEnabled}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), debugEnabled: true}
}

// SetDebugEnabled toggles debug-level logging at runtime (e.g. on a
// config hot-reload).
func (l *Logger) SetDebugEnabled(enabled bool) {
	l.debugEnabled = enabled
}

func (l *Logger) Debugf(template string, args ...any) {
	if !l.debugEnabled {
		return
	}
	l.sugar.Debugf(template, args...)
}

func (l *Logger) Infof(template string, args ...any) {
	l.sugar.Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...any) {
	l.sugar.Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...any) {
	l.sugar.Errorf(template, args...)
}

// Sync flushes any buffered log entries; callers should defer it from main.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
