// Package logging builds the zap loggers used by every binary.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// New builds a logger. Production environments get JSON output at the given
// level; anything else gets colored console output.
func New(environment, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	return cfg.Build()
}

// Init installs the global logger. Safe to call multiple times; the first call wins.
func Init(environment, level string) *zap.Logger {
	once.Do(func() {
		l, err := New(environment, level)
		if err != nil {
			// Fallback to a development logger so startup errors stay visible
			l, _ = zap.NewDevelopment()
		}
		global = l
		zap.ReplaceGlobals(l)
	})
	return global
}

// L returns the global logger
func L() *zap.Logger {
	if global == nil {
		return zap.L()
	}
	return global
}

// Sync flushes any buffered log entries. Call before exit.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
