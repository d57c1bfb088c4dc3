// Package logging emits structured JSON logs for the CareSync core.
// Core keys are timestamp, level and message; per-call context maps are
// flattened into top-level fields.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel names a minimum severity, as written in the configuration file.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger wraps a logrus instance configured for JSON output.
type Logger struct {
	l *logrus.Logger
}

var (
	global *Logger
	once   sync.Once
)

// Init sets up the process-wide logger. Only the first call takes
// effect; later calls are ignored so tests and commands can initialize
// defensively.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = newLogger(out, minLevel)
	})
}

// Get returns the process-wide logger, initializing it to stdout at
// info level when Init was never called.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

func newLogger(out io.Writer, minLevel LogLevel) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(toLogrusLevel(minLevel))
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &Logger{l: l}
}

// toLogrusLevel maps a configured level onto logrus, tolerating any
// case and defaulting unknown values to info.
func toLogrusLevel(level LogLevel) logrus.Level {
	switch LogLevel(strings.ToUpper(string(level))) {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields flattens the per-call context maps; later maps win on key
// collisions.
func fields(context []map[string]interface{}) logrus.Fields {
	merged := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Debug records fine-grained progress detail.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.l.WithFields(fields(context)).Debug(message)
}

// Info records normal operational events.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.l.WithFields(fields(context)).Info(message)
}

// Warn records recoverable problems.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.l.WithFields(fields(context)).Warn(message)
}

// Error records a failure, attaching err under the error key when set.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	entry := l.l.WithFields(fields(context))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

// Package-level shorthands on the process-wide logger.

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
