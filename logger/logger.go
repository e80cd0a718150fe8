package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerI is the logging surface used by the pipeline. Key/value pairs
// follow the zap SugaredLogger convention.
type LoggerI interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Infof(template string, args ...interface{})
	Debugf(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// DefaultLevel is the internal verbosity used when none is configured.
const DefaultLevel = "warn"

type Logger struct {
	*zap.SugaredLogger
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to
// a zap level. An empty name selects DefaultLevel.
func ParseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = DefaultLevel
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(normalized)); err != nil {
		return l, fmt.Errorf("parse log level: %w", err)
	}
	return l, nil
}

// NewLogger builds a production JSON logger writing to stderr at level.
func NewLogger(level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level.SetLevel(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return Wrap(logger, lvl), nil
}

// Wrap adopts an application logger as the pipeline's log sink. Entries
// below level are discarded even if base would accept them; a base that is
// already stricter than level keeps its own level.
func Wrap(base *zap.Logger, level zapcore.Level) *Logger {
	opts := []zap.Option{zap.AddCallerSkip(1)}
	if base.Core().Enabled(level) {
		// IncreaseLevel refuses to lower a stricter base level.
		opts = append(opts, zap.IncreaseLevel(level))
	}
	logger := base.WithOptions(opts...).Named("klog")
	return &Logger{
		SugaredLogger: logger.Sugar(),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.SugaredLogger.With(args...).Info(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.SugaredLogger.With(args...).Warn(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.SugaredLogger.With(args...).Error(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.SugaredLogger.With(args...).Debug(msg)
}

func (l *Logger) Infof(template string, args ...interface{}) {
	l.SugaredLogger.Infof(template, args...)
}
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.SugaredLogger.Debugf(template, args...)
}
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.SugaredLogger.Errorf(template, args...)
}
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.SugaredLogger.Warnf(template, args...)
}
