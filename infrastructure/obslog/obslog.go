// Package obslog builds the low-allocation zap loggers used on hot control
// paths: the resource manager's adaptation loop and the performance
// monitor's window rollovers fire far more often than business events and
// must not allocate per line the way the ambient logrus logger does.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger named for the component. level
// accepts zap's atomic level strings ("debug", "info", "warn", "error");
// an unparsable level falls back to info.
func New(component, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Named(component)
}

// NewNop returns a disabled logger for tests and optional wiring.
func NewNop() *zap.Logger { return zap.NewNop() }
