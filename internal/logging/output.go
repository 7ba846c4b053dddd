package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputOptions selects where rendered log lines go.
type OutputOptions struct {
	Console    io.Writer
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OpenOutput builds the writer for Options.Output. When File is set the
// lines are also appended to a size-rotated file. The returned close func
// releases the file.
func OpenOutput(opts OutputOptions) (io.Writer, func() error, error) {
	console := opts.Console
	file := strings.TrimSpace(opts.File)
	if file == "" {
		if console == nil {
			return io.Discard, func() error { return nil }, nil
		}
		return console, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, nil, err
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	if console == nil {
		return rotating, rotating.Close, nil
	}
	return io.MultiWriter(console, rotating), rotating.Close, nil
}

func newBackend(output io.Writer) *logrus.Logger {
	if output == nil || output == io.Discard {
		return nil
	}
	backend := logrus.New()
	backend.SetLevel(logrus.DebugLevel)
	backend.SetOutput(output)
	backend.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		DisableColors:   !isTerminal(output),
		ForceQuote:      true,
	})
	return backend
}

func isTerminal(output io.Writer) bool {
	file, ok := output.(*os.File)
	if !ok || file == nil {
		return false
	}
	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}

// CloseAll joins close errors from several outputs.
func CloseAll(closers ...func() error) error {
	var joined error
	for _, closeFn := range closers {
		if closeFn == nil {
			continue
		}
		joined = errors.Join(joined, closeFn())
	}
	return joined
}
