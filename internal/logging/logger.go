// Package logging holds the process-wide structured logger.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.Must(zap.NewProduction()))
}

// New builds the process logger at the given level. Unknown level strings
// fall back to info rather than failing startup.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build(zap.AddCallerSkip(1))
}

// Global returns the current process logger.
func Global() *zap.Logger { return global.Load() }

// SetGlobal swaps the process logger. Safe for concurrent use.
func SetGlobal(l *zap.Logger) { global.Store(l) }

// Info logs at info level.
func Info(msg string, fields ...zap.Field) { global.Load().Info(msg, fields...) }

// Warn logs at warn level.
func Warn(msg string, fields ...zap.Field) { global.Load().Warn(msg, fields...) }

// Error logs at error level.
func Error(msg string, fields ...zap.Field) { global.Load().Error(msg, fields...) }

// Debug logs at debug level.
func Debug(msg string, fields ...zap.Field) { global.Load().Debug(msg, fields...) }

// With returns a child logger carrying extra fields.
func With(fields ...zap.Field) *zap.Logger { return global.Load().With(fields...) }

// Sync flushes buffered entries.
func Sync() { _ = global.Load().Sync() }
