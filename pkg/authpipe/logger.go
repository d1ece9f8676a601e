package authpipe

import (
	"fmt"

	"github.com/eshaffer321/authpipe/internal/types"
	"github.com/sirupsen/logrus"
)

// Logger interface for logging
type Logger = types.Logger

// NopLogger discards all log output
type NopLogger = types.NopLogger

// logrusLogger adapts a logrus logger to Logger
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l so it can be passed as ClientOptions.Logger.
// Key/value pairs become logrus fields. A nil l uses logrus.StandardLogger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l).WithField("component", "authpipe")}
}

func (l *logrusLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l *logrusLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

func (l *logrusLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}

func (l *logrusLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l *logrusLogger) with(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields[key] = "(missing)"
			break
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}
