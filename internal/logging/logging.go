// Package logging builds the process zap logger and bridges it into
// whatsmeow's logger interface.
package logging

import (
	"fmt"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap logger at the given level. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// WhatsApp adapts a zap logger to waLog.Logger. whatsmeow is chatty at INFO,
// so it gets its own minimum level (DEBUG, INFO, WARN, ERROR).
func WhatsApp(logger *zap.Logger, module, minLevel string) waLog.Logger {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(minLevel)))
	if err != nil {
		lvl = zapcore.WarnLevel
	}
	l := logger.WithOptions(zap.IncreaseLevel(lvl)).Named(module)
	return &waLogger{sugar: l.Sugar()}
}

type waLogger struct {
	sugar *zap.SugaredLogger
}

func (l *waLogger) Warnf(msg string, args ...interface{}) { l.sugar.Warnf(msg, args...) }
func (l *waLogger) Errorf(msg string, args ...interface{}) { l.sugar.Errorf(msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{}) { l.sugar.Infof(msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.sugar.Debugf(msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{sugar: l.sugar.Named(module)}
}
