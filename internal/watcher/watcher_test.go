package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, debounce time.Duration) *Watcher {
	t.Helper()
	w, err := NewWithOptions(Options{Debounce: debounce})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// watchInto registers path and returns the channel its events land on.
func watchInto(t *testing.T, w *Watcher, path string) (<-chan Event, Handle) {
	t.Helper()
	events := make(chan Event, 16)
	handle, err := w.Watch(path, func(evt Event) { events <- evt })
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return events, handle
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func quiet(t *testing.T, events <-chan Event, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(wait):
	}
}

func TestWriteIsDelivered(t *testing.T) {
	w := newTestWatcher(t, 20*time.Millisecond)
	path := filepath.Join(t.TempDir(), "fleet.toml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))
	events, _ := watchInto(t, w, path)

	require.NoError(t, os.WriteFile(path, []byte("update"), 0o600))
	evt := next(t, events)
	assert.Equal(t, path, evt.Path)
	assert.True(t, evt.Op.Has(fsnotify.Write))
	assert.False(t, evt.Timestamp.IsZero())
}

func TestReplacementByRenameIsDelivered(t *testing.T) {
	w := newTestWatcher(t, 20*time.Millisecond)
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.toml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))
	events, _ := watchInto(t, w, path)

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("b"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	assert.Equal(t, path, next(t, events).Path)
}

func TestBurstIsCoalesced(t *testing.T) {
	w := newTestWatcher(t, 150*time.Millisecond)
	path := filepath.Join(t.TempDir(), "fleet.toml")
	events, _ := watchInto(t, w, path)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o600))
	}
	evt := next(t, events)
	assert.True(t, evt.Op.Has(fsnotify.Create), "ops %v", evt.Op)
	assert.True(t, evt.Op.Has(fsnotify.Write), "ops %v", evt.Op)
	quiet(t, events, 300*time.Millisecond)

	metrics := w.Metrics()
	assert.NotZero(t, metrics.EventsDropped)
	assert.Equal(t, uint64(1), metrics.EventsDelivered)
}

func TestClosedHandleStopsDelivery(t *testing.T) {
	w := newTestWatcher(t, 20*time.Millisecond)
	path := filepath.Join(t.TempDir(), "fleet.toml")
	events, handle := watchInto(t, w, path)
	assert.Equal(t, 1, w.Metrics().ActiveWatches)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	assert.Equal(t, 0, w.Metrics().ActiveWatches)

	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))
	quiet(t, events, 150*time.Millisecond)
}

func TestWatchRequiresOpenWatcherAndCallback(t *testing.T) {
	w, err := New()
	require.NoError(t, err)

	_, err = w.Watch(filepath.Join(t.TempDir(), "x"), nil)
	assert.Error(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err = w.Watch(filepath.Join(t.TempDir(), "x"), func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}
