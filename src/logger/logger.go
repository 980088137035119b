// Package logger defines the logging interface used across the bus and its
// console, silent and zap-backed implementations.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines the interface for logging throughout the application.
// Different implementations can be used for different contexts (console, silent, structured, etc.)
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// ConsoleLogger writes human-readable logs to stdout/stderr.
type ConsoleLogger struct {
	out    io.Writer
	errOut io.Writer
	debug  bool
}

// NewConsoleLoggerTo writes info and debug lines to out, warnings and errors
// to errOut. Debug lines are dropped unless debug is set.
func NewConsoleLoggerTo(out, errOut io.Writer, debug bool) *ConsoleLogger {
	return &ConsoleLogger{out: out, errOut: errOut, debug: debug}
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	fmt.Fprintf(c.out, "[INFO] "+msg+"\n", args...)
}

func (c *ConsoleLogger) Warn(msg string, args ...interface{}) {
	fmt.Fprintf(c.errOut, "[WARN] "+msg+"\n", args...)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	fmt.Fprintf(c.errOut, "[ERROR] "+msg+"\n", args...)
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	if c.debug {
		fmt.Fprintf(c.out, "[DEBUG] "+msg+"\n", args...)
	}
}

// SilentLogger discards all log messages.
// Used in tests and when the embedding application owns the output.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Warn(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
func (s *SilentLogger) Debug(msg string, args ...interface{}) {}

// ZapLogger adapts a zap.SugaredLogger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

// NewProductionLogger builds a zap logger for the given level ("debug",
// "info", "warn", "error") and format ("console" or "json").
func NewProductionLogger(level, format string) (*ZapLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	if strings.EqualFold(format, "json") {
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return NewZapLogger(l), nil
}

// New builds the process logger. Format "plain" selects ConsoleLogger;
// "console" and "json" select zap encoders.
func New(level, format string) (Logger, error) {
	if strings.EqualFold(format, "plain") {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return NewConsoleLoggerTo(os.Stdout, os.Stderr, lvl == zapcore.DebugLevel), nil
	}
	return NewProductionLogger(level, format)
}

// With returns a child logger carrying a fixed key/value pair.
func (z *ZapLogger) With(key string, value interface{}) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.With(key, value)}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

func (z *ZapLogger) Info(msg string, args ...interface{})  { z.sugar.Infof(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.sugar.Warnf(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.sugar.Errorf(msg, args...) }
func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.sugar.Debugf(msg, args...) }
