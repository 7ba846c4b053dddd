package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"fleet/internal/buffer"
)

const (
	DefaultRecentSize = 1000
	defaultTapBuffer  = 100
)

// Recent retains the newest entries and copies each one to live taps. A tap
// that falls behind misses entries rather than stalling the logger.
type Recent struct {
	mu     sync.Mutex
	ring   *buffer.Ring[Entry]
	taps   map[*tap]struct{}
	missed atomic.Uint64
}

type tap struct {
	ch chan Entry
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{
		ring: buffer.NewRing[Entry](size),
		taps: make(map[*tap]struct{}),
	}
}

func (r *Recent) record(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.Add(entry)
	for t := range r.taps {
		select {
		case t.ch <- entry:
		default:
			r.missed.Add(1)
		}
	}
}

// Entries returns the retained entries oldest first.
func (r *Recent) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.List()
}

// Since returns retained entries stamped at or after t.
func (r *Recent) Since(t time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Filter(func(entry Entry) bool {
		return !entry.Time.Before(t)
	})
}

// Tap streams new entries until the returned func is called, which also
// closes the channel.
func (r *Recent) Tap(size int) (<-chan Entry, func()) {
	if size <= 0 {
		size = defaultTapBuffer
	}
	t := &tap{ch: make(chan Entry, size)}
	r.mu.Lock()
	r.taps[t] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return t.ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.taps, t)
			r.mu.Unlock()
			close(t.ch)
		})
	}
}

// Missed counts entries a full tap did not receive.
func (r *Recent) Missed() uint64 {
	return r.missed.Load()
}
