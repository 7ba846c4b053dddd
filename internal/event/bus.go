package event

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fleet/internal/logging"
	"fleet/internal/metrics"
)

const (
	defaultSubscriberBufferSize = 128
	dropWarningInterval         = 30 * time.Second
)

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	Registry             *metrics.Registry
	Logger               *logging.Logger
}

// Bus fans typed events out to subscriber channels. Publish never waits: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Bus[T Event] struct {
	name     string
	buffer   int
	registry *metrics.Registry
	logger   *logging.Logger

	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
	warn      rate.Sometimes
}

type subscriber[T Event] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewBus builds a bus that closes itself when ctx ends.
func NewBus[T Event](ctx context.Context, opts BusOptions) *Bus[T] {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.Name == "" {
		opts.Name = "events"
	}
	if opts.Registry == nil {
		opts.Registry = metrics.Default
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	bus := &Bus[T]{
		name:     opts.Name,
		buffer:   opts.SubscriberBufferSize,
		registry: opts.Registry,
		logger:   opts.Logger,
		subs:     make(map[*subscriber[T]]struct{}),
		warn:     rate.Sometimes{Interval: dropWarningInterval},
	}
	if ctx != nil && ctx.Done() != nil {
		context.AfterFunc(ctx, bus.Close)
	}
	return bus
}

func (b *Bus[T]) Name() string {
	return b.name
}

// Subscribe returns a channel of future events and a cancel func that
// detaches and closes it. Subscribing to a closed bus yields a closed
// channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	sub := &subscriber[T]{ch: make(chan T, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.registry.SetEventSubscriberCount(b.name, count)

	return sub.ch, func() { b.detach(sub) }
}

func (b *Bus[T]) Publish(evt T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber[T], 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	eventType := typeName(evt)
	b.published.Add(1)
	b.registry.IncEventPublished(b.name, eventType)
	for _, sub := range targets {
		if !sub.offer(evt) {
			b.dropped.Add(1)
			b.registry.IncEventDropped(b.name, eventType)
			b.warn.Do(b.warnDrops)
		}
	}
}

// Close detaches every subscriber and closes its channel. Later publishes
// are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	b.registry.SetEventSubscriberCount(b.name, 0)
}

func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats reports totals since the bus was created.
func (b *Bus[T]) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) detach(sub *subscriber[T]) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	count := len(b.subs)
	b.mu.Unlock()
	if ok {
		sub.close()
		b.registry.SetEventSubscriberCount(b.name, count)
	}
}

func (b *Bus[T]) warnDrops() {
	b.logger.Warn("event bus dropping events", map[string]string{
		"bus":       b.name,
		"dropped":   strconv.FormatInt(b.dropped.Load(), 10),
		"published": strconv.FormatInt(b.published.Load(), 10),
	})
}

func (s *subscriber[T]) offer(evt T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func typeName(evt Event) string {
	if name := evt.Type(); name != "" {
		return name
	}
	return "unknown"
}
