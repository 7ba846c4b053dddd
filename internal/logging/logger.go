package logging

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configures New. A nil Output renders nothing; entries still reach
// Recent.
type Options struct {
	Level  Level
	Output io.Writer
	Recent *Recent
}

// Logger stamps its fields on every entry it writes. Derived loggers share
// the parent's sink.
type Logger struct {
	sink   *sink
	fields map[string]string
}

type sink struct {
	min     Level
	recent  *Recent
	backend *logrus.Logger
	now     func() time.Time
}

func New(opts Options) *Logger {
	if opts.Recent == nil {
		opts.Recent = NewRecent(DefaultRecentSize)
	}
	return &Logger{sink: &sink{
		min:     opts.Level,
		recent:  opts.Recent,
		backend: newBackend(opts.Output),
		now:     func() time.Time { return time.Now().UTC() },
	}}
}

// Discard returns an info-level logger that only keeps entries in memory.
func Discard() *Logger {
	return New(Options{Level: LevelInfo})
}

func (l *Logger) Recent() *Recent {
	if l == nil {
		return nil
	}
	return l.sink.recent
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, fields: mergeFields(l.fields, fields)}
}

func (l *Logger) Category(category string) *Logger {
	return l.With(map[string]string{FieldCategory: category})
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.sink.min
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.write(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.write(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.write(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.write(LevelError, message, fields)
}

func (l *Logger) write(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := Entry{
		Time:    l.sink.now(),
		Level:   level,
		Message: message,
		Fields:  mergeFields(l.fields, fields),
	}
	l.sink.recent.record(entry)
	if l.sink.backend == nil {
		return
	}
	rendered := make(logrus.Fields, len(entry.Fields))
	for key, value := range entry.Fields {
		rendered[key] = value
	}
	l.sink.backend.WithFields(rendered).WithTime(entry.Time).Log(level.logrus(), message)
}
