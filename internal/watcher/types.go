package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"fleet/internal/logging"
)

// Event is one debounced change to a watched file. Op is the union of the
// operations coalesced into it.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Handle releases one registration.
type Handle interface {
	Close() error
}

// Watch registers a callback for changes to a file.
type Watch interface {
	Watch(path string, callback func(Event)) (Handle, error)
}

type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
}

// Metrics are cumulative watcher counters.
type Metrics struct {
	ActiveWatches   int
	EventsDelivered uint64
	EventsDropped   uint64
	Errors          uint64
}

type callbackEntry struct {
	id       uint64
	callback func(Event)
}

// Watcher is the fsnotify-backed implementation of Watch.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *logging.Logger
	done     chan struct{}

	mutex     sync.Mutex
	callbacks map[string][]callbackEntry
	dirs      map[string]int
	pending   map[string]*pendingChange
	closed    bool
	nextID    uint64

	eventsDelivered atomic.Uint64
	eventsDropped   atomic.Uint64
	errorCount      atomic.Uint64
}
