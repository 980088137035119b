package broker

import (
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"taskbus/src/logger"
)

// kgoLogger forwards franz-go client logs to a logger.Logger.
type kgoLogger struct {
	log   logger.Logger
	level kgo.LogLevel
}

func newKgoLogger(log logger.Logger, level kgo.LogLevel) kgo.Logger {
	return &kgoLogger{log: log, level: level}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	return l.level
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	line := formatKeyvals(msg, keyvals)
	switch level {
	case kgo.LogLevelError:
		l.log.Error("[kgo] %s", line)
	case kgo.LogLevelWarn:
		l.log.Warn("[kgo] %s", line)
	case kgo.LogLevelInfo:
		l.log.Info("[kgo] %s", line)
	case kgo.LogLevelDebug:
		l.log.Debug("[kgo] %s", line)
	}
}

func formatKeyvals(msg string, keyvals []any) string {
	if len(keyvals) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(keyvals); i += 2 {
		b.WriteByte(' ')
		if i+1 < len(keyvals) {
			fmt.Fprintf(&b, "%v=%v", keyvals[i], keyvals[i+1])
		} else {
			fmt.Fprintf(&b, "%v", keyvals[i])
		}
	}
	return b.String()
}

// ClientLogLevel maps an application log level name to the franz-go level.
func ClientLogLevel(level string) kgo.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return kgo.LogLevelDebug
	case "info":
		return kgo.LogLevelInfo
	case "warn", "warning":
		return kgo.LogLevelWarn
	case "error":
		return kgo.LogLevelError
	default:
		return kgo.LogLevelInfo
	}
}
