package observability

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a logrus-backed logger. Level accepts the usual
// logrus names ("debug", "info", ...); format "json" selects the JSON
// formatter, anything else the text formatter.
func NewLogrusLogger(level, format string) *LogrusLogger {
	base := logrus.New()
	parsed, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &LogrusLogger{entry: logrus.NewEntry(base)}
}

func (l *LogrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	data := make(logrus.Fields, len(fields))
	for _, field := range fields {
		data[field.Key] = field.Value
	}
	return l.entry.WithFields(data)
}

// Debug logs at debug level.
func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.withFields(fields).Debug(msg) }

// Info logs at info level.
func (l *LogrusLogger) Info(msg string, fields ...Field) { l.withFields(fields).Info(msg) }

// Warn logs at warning level.
func (l *LogrusLogger) Warn(msg string, fields ...Field) { l.withFields(fields).Warn(msg) }

// Error logs at error level.
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.withFields(fields).Error(msg) }
