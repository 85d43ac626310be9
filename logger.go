package picopad

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	procLogger = zap.NewNop()
	procMu     sync.RWMutex
)

// NewLogger builds a production zap logger at the given level
// ("debug", "info", "warn", "error"; anything else means info).
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// L returns the process logger. It is a no-op logger until SetLogger is called.
func L() *zap.Logger {
	procMu.RLock()
	defer procMu.RUnlock()
	return procLogger
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	procMu.Lock()
	procLogger = l
	procMu.Unlock()
}

// orDefault returns l, or the process logger when l is nil.
func orDefault(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}
