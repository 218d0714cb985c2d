// Package logger provides a package-level structured logging interface
// backed by zap, in the key-value style used throughout the codebase.
package logger

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger = logr.Discard()

// Init configures the package logger. Level is a zap level name
// ("debug", "info", "warn", "error"); empty defaults to info.
func Init(level string) {
	conf := zap.NewProductionConfig()
	if level != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			conf.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, _ := conf.Build()
	defaultLogger = zapr.NewLogger(l).WithName("hlspipe")
}

// SetLogger replaces the package logger, used by tests and embedders.
func SetLogger(l logr.Logger) {
	defaultLogger = l
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.V(1).Info(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Info(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	defaultLogger.Info(msg, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Error(err, msg, keysAndValues...)
}
