package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a structured logger with key/value call sites.
//
// Call sites pass alternating key/value pairs:
//
//	logger.Info("fix accepted", "provider", "gps", "accuracy", 4.2)
//
// A single map[string]interface{} argument is also accepted and merged as fields.
type Logger struct {
	entry     *logrus.Entry
	component string
}

// NewLogger creates a logger writing JSON lines to stderr
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry:     base.WithField("component", component),
		component: component,
	}
}

// NewNopLogger returns a logger that discards everything, handy in tests
func NewNopLogger() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base), component: "nop"}
}

// SetOutput redirects log output, e.g. to a log file
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// SetLevel changes the minimum level at runtime
func (l *Logger) SetLevel(level string) {
	l.entry.Logger.SetLevel(parseLevel(level))
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.entry.Logger.GetLevel().String()
}

// With returns a child logger carrying extra fields
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		entry:     l.entry.WithFields(toFields(keyvals)),
		component: l.component,
	}
}

// Named returns a child logger for a sub-component
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{
		entry:     l.entry.WithField("component", name),
		component: name,
	}
}

func (l *Logger) Trace(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Trace(msg)
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Debug(msg)
}

func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Info(msg)
}

func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Warn(msg)
}

func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.entry.WithFields(toFields(keyvals)).Error(msg)
}

// LogVerbose logs an event with a field map at trace level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Trace(event)
}

// LogDebugVerbose logs an event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func toFields(keyvals []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(keyvals) == 1 {
		if m, ok := keyvals[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}

	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			fields[key] = "(missing)"
			break
		}
		v := keyvals[i+1]
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		fields[key] = v
	}
	return fields
}
