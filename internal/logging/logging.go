// Package logging builds the process logger: logr on top of zap.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

type Logger struct {
	logr.Logger
	level zap.AtomicLevel
	base  *zap.Logger
}

// New returns a JSON logger, or a console logger when development is set.
func New(level string, development bool) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomicLevel
	base, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	return &Logger{
		Logger: zapr.NewLogger(base),
		level:  atomicLevel,
		base:   base,
	}, nil
}

// SetLevel changes verbosity for this logger and everything derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}

// ParseLevel accepts zap level names plus logr verbosities ("v1".."v3"),
// which map to negative zap levels.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", "info":
		return zapcore.Level(-DEFAULT), nil
	case "v1":
		return zapcore.Level(-VERBOSE), nil
	case "v2":
		return zapcore.Level(-DEBUG), nil
	case "v3", "trace":
		return zapcore.Level(-TRACE), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// NewTestLogger returns a development logger at trace verbosity.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-TRACE))
	base, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(base)
}
