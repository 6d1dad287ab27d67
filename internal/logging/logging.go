// Package logging builds the logr.Logger handed to every component.
package logging

import (
	"strings"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap-backed logger. format is "json" or "console"; level is
// a zap level name, or "debug" to enable V(1) output.
func New(level, format string) (logr.Logger, func(), error) {
	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return logr.Discard(), func() {}, errors.NewWithDetails("unknown log format", "format", format)
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	zapLog, err := zc.Build()
	if err != nil {
		return logr.Discard(), func() {}, errors.WrapIf(err, "failed to initialize zap")
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, errors.WithDetails(errors.WrapIf(err, "invalid log level"), "level", level)
	}
	return lvl, nil
}
