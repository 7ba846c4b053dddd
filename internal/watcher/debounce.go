package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// pendingChange accumulates the operations seen for one path until its quiet
// period ends.
type pendingChange struct {
	timer *time.Timer
	ops   fsnotify.Op
	seq   uint64
	count int
}

// handleEvent folds a raw fsnotify event into the pending change for its
// path and restarts that path's quiet period.
func (w *Watcher) handleEvent(raw fsnotify.Event) {
	if raw.Op == fsnotify.Chmod {
		return
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed || len(w.callbacks[raw.Name]) == 0 {
		return
	}
	change, ok := w.pending[raw.Name]
	if !ok {
		change = &pendingChange{}
		w.pending[raw.Name] = change
	}
	change.ops |= raw.Op
	change.count++
	change.seq++
	seq := change.seq
	if change.timer != nil {
		change.timer.Stop()
	}
	change.timer = time.AfterFunc(w.debounce, func() { w.deliver(raw.Name, seq) })
}

// deliver hands the coalesced change to every callback, unless a newer event
// rescheduled the path meanwhile.
func (w *Watcher) deliver(path string, seq uint64) {
	w.mutex.Lock()
	change, ok := w.pending[path]
	if w.closed || !ok || change.seq != seq {
		w.mutex.Unlock()
		return
	}
	delete(w.pending, path)
	callbacks := make([]func(Event), 0, len(w.callbacks[path]))
	for _, entry := range w.callbacks[path] {
		callbacks = append(callbacks, entry.callback)
	}
	w.mutex.Unlock()

	w.eventsDropped.Add(uint64(change.count - 1))
	evt := Event{Path: path, Op: change.ops, Timestamp: time.Now().UTC()}
	for _, callback := range callbacks {
		callback(evt)
		w.eventsDelivered.Add(1)
	}
}

func (w *Watcher) stopPendingLocked() {
	for path, change := range w.pending {
		change.timer.Stop()
		delete(w.pending, path)
	}
}
