package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"fleet/internal/logging"
)

const defaultDebounce = 100 * time.Millisecond

var ErrClosed = errors.New("watcher closed")

func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		watcher:   source,
		debounce:  debounce,
		logger:    logger.Category("watcher"),
		done:      make(chan struct{}),
		callbacks: make(map[string][]callbackEntry),
		dirs:      make(map[string]int),
		pending:   make(map[string]*pendingChange),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.errorCount.Add(1)
			w.logger.Warn("watcher error", map[string]string{logging.FieldError: err.Error()})
		case <-w.done:
			return
		}
	}
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	closed  atomic.Bool
}

func (h *watchHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.watcher.remove(h.path, h.id)
}

// Watch calls callback, debounced, whenever path is written, created,
// renamed or removed. The file does not have to exist yet; its directory does.
func (w *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if callback == nil {
		return nil, errors.New("watch callback is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.nextID++
	id := w.nextID
	w.callbacks[abs] = append(w.callbacks[abs], callbackEntry{id: id, callback: callback})
	w.logger.Debug("watch added", map[string]string{
		"path":           abs,
		"active_watches": strconv.Itoa(w.activeLocked()),
	})
	return &watchHandle{watcher: w, path: abs, id: id}, nil
}

func (w *Watcher) remove(path string, id uint64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return nil
	}
	entries := w.callbacks[path]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(w.callbacks, path)
	} else {
		w.callbacks[path] = entries
	}

	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	if err := w.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return err
	}
	return nil
}

func (w *Watcher) activeLocked() int {
	count := 0
	for _, entries := range w.callbacks {
		count += len(entries)
	}
	return count
}

func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	w.stopPendingLocked()
	w.mutex.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) Metrics() Metrics {
	w.mutex.Lock()
	active := w.activeLocked()
	w.mutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		EventsDelivered: w.eventsDelivered.Load(),
		EventsDropped:   w.eventsDropped.Load(),
		Errors:          w.errorCount.Load(),
	}
}
