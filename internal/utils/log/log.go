package log

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// Init builds a production logger at the given level and installs it.
// An empty level means "info".
func Init(level string, development bool) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		lvl, err = zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	logger.Store(l)
	return nil
}

// Set installs l as the package logger. Mostly useful in tests.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func L() *zap.Logger { return logger.Load() }

func With(fields ...zap.Field) *zap.Logger { return logger.Load().With(fields...) }

func Debug(msg string, fields ...zap.Field) { logger.Load().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { logger.Load().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { logger.Load().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { logger.Load().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) {
	logger.Load().Fatal(msg, fields...)
	os.Exit(1)
}

func Sync() error { return logger.Load().Sync() }
