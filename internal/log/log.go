// Package log provides the process-global structured logger.
//
// Operator-facing progress lines (phase banners, cycle summaries) go
// through the display package; this logger carries the operational
// record: subprocess lifecycles, parse fallbacks, state persistence.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init builds and installs the global logger. Level is one of
// debug/info/warn/error (anything else means info). When file is
// non-empty, JSON output is appended there in addition to stderr.
func Init(level string, file string) error {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if file != "" {
		cfg.Encoding = "json"
		cfg.OutputPaths = []string{"stderr", file}
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the global logger. Used by Init and by tests.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// Sync flushes buffered log entries. Safe to call at process exit.
func Sync() {
	_ = L().Sync()
}

// Debug logs at debug level with structured fields.
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Info logs at info level with structured fields.
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

// Warn logs at warn level with structured fields.
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs at error level with structured fields.
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// With returns a child logger with the given fields attached.
func With(fields ...zap.Field) *zap.Logger { return L().With(fields...) }
