package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a structured, component-tagged logger. A nil *Logger discards everything.
type Logger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewLogger creates a JSON logger writing to stderr at the given level
func NewLogger(level, component string) *Logger {
	return NewLoggerWithWriter(level, component, os.Stderr)
}

// NewLoggerWithWriter creates a JSON logger writing to w
func NewLoggerWithWriter(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "event",
		},
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry: base.WithField("component", component),
		base:  base,
	}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
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

// SetLevel changes the minimum level
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.base.SetLevel(parseLevel(level))
}

// With returns a child logger carrying the given fields
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{entry: l.entry.WithFields(toFields(kv)), base: l.base}
}

// toFields accepts either alternating key/value pairs or a single
// map[string]interface{} and converts them to logrus fields.
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = normalize(v)
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if i+1 >= len(kv) {
			fields[key] = "(missing)"
			break
		}
		fields[key] = normalize(kv[i+1])
	}
	return fields
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		if val == nil {
			return nil
		}
		return val.Error()
	case time.Duration:
		return val.String()
	default:
		return v
	}
}

func (l *Logger) log(level logrus.Level, msg string, kv []interface{}) {
	if l == nil || !l.base.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(toFields(kv)).Log(level, msg)
}

func (l *Logger) Trace(msg string, kv ...interface{}) { l.log(logrus.TraceLevel, msg, kv) }
func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(logrus.DebugLevel, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(logrus.InfoLevel, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(logrus.WarnLevel, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(logrus.ErrorLevel, msg, kv) }

// LogVerbose logs at debug level with a field map
func (l *Logger) LogVerbose(msg string, fields map[string]interface{}) {
	l.log(logrus.DebugLevel, msg, []interface{}{fields})
}

// LogDebugVerbose logs at trace level with a field map
func (l *Logger) LogDebugVerbose(msg string, fields map[string]interface{}) {
	l.log(logrus.TraceLevel, msg, []interface{}{fields})
}

// LogStateChange records a state transition of a component
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	all := map[string]interface{}{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		all[k] = v
	}
	l.log(logrus.InfoLevel, "state_change", []interface{}{all})
}
