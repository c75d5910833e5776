// Package logging builds the process zap logger and adapts it to outbox.Logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/velmie/edgeagent/outbox"
)

// New builds a zap logger. format is "json" or "console"; level is a zap level name.
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("logging: invalid format %q", format)
	}

	return cfg.Build()
}

// Component returns a child logger tagged with component.
func Component(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// Outbox adapts logger to outbox.Logger.
func Outbox(logger *zap.Logger) outbox.Logger {
	return outboxLogger{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type outboxLogger struct {
	sugar *zap.SugaredLogger
}

func (l outboxLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l outboxLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l outboxLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l outboxLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
