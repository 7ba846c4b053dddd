package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"fleet/internal/event"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

func TestAttachWritesEveryStream(t *testing.T) {
	out := &lockedBuffer{}
	sink, err := New(Options{Writer: out})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	instances := event.NewBus[event.InstanceEvent](context.Background(), event.BusOptions{Name: "instances"})
	messages := event.NewBus[event.MessageEvent](context.Background(), event.BusOptions{Name: "messages"})
	defer instances.Close()
	defer messages.Close()
	Attach(sink, "instance", instances)
	Attach(sink, "message", messages)

	instances.Publish(event.NewInstanceEvent("i-1", event.TypeInstanceSpawned))
	messages.Publish(event.NewMessageEvent(event.TypeMessageSent, "m-1", "coordinator", "i-1", "delivered"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if written, _ := sink.Stats(); written == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for event lines")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	byStream := map[string]map[string]any{}
	for _, line := range out.lines(t) {
		byStream[line["stream"].(string)] = line
	}
	spawned := byStream["instance"]
	if spawned["type"] != event.TypeInstanceSpawned {
		t.Fatalf("unexpected instance line %v", spawned)
	}
	if inner := spawned["event"].(map[string]any); inner["instance_id"] != "i-1" {
		t.Fatalf("expected event payload, got %v", inner)
	}
	if byStream["message"]["type"] != event.TypeMessageSent {
		t.Fatalf("unexpected message line %v", byStream["message"])
	}
}

func TestWriteAfterClose(t *testing.T) {
	sink, err := New(Options{Writer: &lockedBuffer{}})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err = sink.Write("instance", event.NewInstanceEvent("i-1", event.TypeInstanceSpawned))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	sink, err := New(Options{File: path, MaxBackups: 1})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Write("config", event.ConfigEvent{EventType: event.TypeConfigReloaded, Path: "fleet.toml"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	if !bytes.Contains(payload, []byte(`"config_reloaded"`)) || !bytes.HasSuffix(payload, []byte("\n")) {
		t.Fatalf("unexpected file contents %q", payload)
	}
}

func TestNewRequiresDestination(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without file or writer")
	}
}
