package event

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/internal/metrics"
)

type tick struct {
	kind string
	n    int
}

func (t tick) Type() string { return t.kind }

func (t tick) Timestamp() time.Time { return time.Time{} }

func newTickBus(t *testing.T, opts BusOptions) (*Bus[tick], *metrics.Registry) {
	t.Helper()
	registry := &metrics.Registry{}
	opts.Registry = registry
	bus := NewBus[tick](context.Background(), opts)
	t.Cleanup(bus.Close)
	return bus, registry
}

func promText(t *testing.T, registry *metrics.Registry) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, registry.WritePrometheus(&out))
	return out.String()
}

func TestBusDeliversUntilCancel(t *testing.T) {
	bus, _ := newTickBus(t, BusOptions{Name: "ticks"})
	ch, cancel := bus.Subscribe()

	bus.Publish(tick{kind: "a", n: 1})
	got := ReceiveWithTimeout(t, ch, time.Second)
	assert.Equal(t, 1, got.n)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())

	bus.Publish(tick{kind: "a", n: 2})
}

func TestBusFullSubscriberMissesEvents(t *testing.T) {
	bus, registry := newTickBus(t, BusOptions{Name: "drop", SubscriberBufferSize: 1})
	slow, _ := bus.Subscribe()
	fast, cancelFast := bus.Subscribe()
	defer cancelFast()

	bus.Publish(tick{kind: "first"})
	ReceiveWithTimeout(t, fast, time.Second)
	bus.Publish(tick{kind: "second"})

	assert.Equal(t, "first", ReceiveWithTimeout(t, slow, time.Second).kind)
	select {
	case evt := <-slow:
		t.Fatalf("unexpected event %q", evt.kind)
	default:
	}
	assert.Equal(t, "second", ReceiveWithTimeout(t, fast, time.Second).kind)

	published, dropped := bus.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(1), dropped)

	body := promText(t, registry)
	assert.Contains(t, body, `fleet_events_published_total{bus="drop",type="second"} 1`)
	assert.Contains(t, body, `fleet_events_dropped_total{bus="drop",type="second"} 1`)
	assert.Contains(t, body, `fleet_event_subscribers{bus="drop"} 2`)
}

func TestBusUnnamedEventType(t *testing.T) {
	bus, registry := newTickBus(t, BusOptions{Name: "anon"})
	bus.Publish(tick{})
	assert.Contains(t, promText(t, registry), `fleet_events_published_total{bus="anon",type="unknown"} 1`)
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[tick](ctx, BusOptions{Registry: &metrics.Registry{}})
	first, _ := bus.Subscribe()
	second, _ := bus.Subscribe()

	cancel()
	for _, ch := range []<-chan tick{first, second} {
		select {
		case _, open := <-ch:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatal("subscription not closed after context cancel")
		}
	}

	late, _ := bus.Subscribe()
	_, open := <-late
	assert.False(t, open)
	bus.Publish(tick{kind: "ignored"})
	published, _ := bus.Stats()
	assert.Zero(t, published)
	assert.Equal(t, "events", bus.Name())
}

func TestBusConcurrentSubscribePublish(t *testing.T) {
	bus, _ := newTickBus(t, BusOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ch, cancel := bus.Subscribe()
			defer cancel()
			bus.Publish(tick{kind: "n", n: n})
			timeout := time.After(time.Second)
			for {
				select {
				case evt := <-ch:
					if evt.n == n {
						return
					}
				case <-timeout:
					t.Errorf("timed out waiting for event %d", n)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	published, _ := bus.Stats()
	assert.Equal(t, int64(25), published)
}

func TestBusLifecycleEvents(t *testing.T) {
	bus := NewBus[InstanceEvent](context.Background(), BusOptions{Registry: &metrics.Registry{}})
	t.Cleanup(bus.Close)
	ch, _ := bus.Subscribe()

	bus.Publish(NewInstanceEvent("a", TypeInstanceSpawned))
	bus.Publish(NewInstanceEvent("a", TypeInstanceTerminated))

	assert.Equal(t, TypeInstanceSpawned, ReceiveWithTimeout(t, ch, time.Second).Type())
	terminated := WaitFor(t, ch, time.Second, func(evt InstanceEvent) bool {
		return evt.Type() == TypeInstanceTerminated
	})
	assert.Equal(t, "a", terminated.InstanceID)
}
