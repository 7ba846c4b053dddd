// Package eventlog appends bus events to a rotating JSON lines file.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/natefinch/lumberjack.v2"

	"fleet/internal/event"
	"fleet/internal/logging"
)

const defaultMaxSizeMB = 50

var ErrClosed = errors.New("event log closed")

type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Writer replaces the rotating file when set.
	Writer io.Writer
	Logger *logging.Logger
}

// Record is one line of the log.
type Record struct {
	Stream     string      `json:"stream"`
	Type       string      `json:"type"`
	RecordedAt time.Time   `json:"recorded_at"`
	Event      event.Event `json:"event"`
}

type Sink struct {
	logger *logging.Logger
	closer func() error

	mu     sync.Mutex
	out    io.Writer
	closed bool

	subsMu  sync.Mutex
	cancels []func()
	wg      sync.WaitGroup

	written  atomic.Int64
	failures atomic.Int64
}

func New(opts Options) (*Sink, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	sink := &Sink{logger: logger.Category("eventlog")}
	if opts.Writer != nil {
		sink.out = opts.Writer
		sink.closer = func() error { return nil }
		return sink, nil
	}
	file := strings.TrimSpace(opts.File)
	if file == "" {
		return nil, errors.New("event log requires a file or writer")
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
	}
	sink.out = rotating
	sink.closer = rotating.Close
	return sink, nil
}

// Attach copies every event published on bus into the sink under stream
// until the sink closes.
func Attach[T event.Event](s *Sink, stream string, bus *event.Bus[T]) {
	if s == nil || bus == nil {
		return
	}
	events, cancel := bus.Subscribe()
	s.subsMu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.subsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for evt := range events {
			if err := s.Write(stream, evt); err != nil && !errors.Is(err, ErrClosed) {
				s.failures.Add(1)
				s.logger.Warn("event log write failed", map[string]string{
					"stream":           stream,
					logging.FieldError: err.Error(),
				})
			}
		}
	}()
}

// Write appends a single event as one JSON line.
func (s *Sink) Write(stream string, evt event.Event) error {
	record := Record{
		Stream:     stream,
		Type:       evt.Type(),
		RecordedAt: time.Now().UTC(),
		Event:      evt,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", stream, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.out.Write(line); err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

// Stats reports lines written and failed writes.
func (s *Sink) Stats() (written, failed int64) {
	return s.written.Load(), s.failures.Load()
}

// Close stops the subscriptions, drains what they already received and
// closes the file.
func (s *Sink) Close() error {
	s.subsMu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.subsMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.closer()
}
