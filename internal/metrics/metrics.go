package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds process-wide counters rendered in Prometheus text format.
type Registry struct {
	spawned       atomic.Int64
	spawnFailures atomic.Int64
	messagesSent  atomic.Int64
	repliesQueued atomic.Int64
	replyTimeouts atomic.Int64
	sweeps        atomic.Int64
	cycles        atomic.Int64

	terminations  sync.Map // outcome -> *atomic.Int64
	interventions sync.Map // action|outcome -> *atomic.Int64
	published     sync.Map // bus|type -> *atomic.Int64
	dropped       sync.Map // bus|type -> *atomic.Int64
	subscribers   sync.Map // bus -> *atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncSpawned() {
	if r == nil {
		return
	}
	r.spawned.Add(1)
}

func (r *Registry) IncSpawnFailed() {
	if r == nil {
		return
	}
	r.spawnFailures.Add(1)
}

func (r *Registry) IncTerminated(outcome string) {
	if r == nil {
		return
	}
	counter(&r.terminations, labelOrUnknown(outcome)).Add(1)
}

func (r *Registry) IncMessageSent() {
	if r == nil {
		return
	}
	r.messagesSent.Add(1)
}

func (r *Registry) IncReplyQueued() {
	if r == nil {
		return
	}
	r.repliesQueued.Add(1)
}

func (r *Registry) IncReplyTimeout() {
	if r == nil {
		return
	}
	r.replyTimeouts.Add(1)
}

func (r *Registry) IncGovernorSweep() {
	if r == nil {
		return
	}
	r.sweeps.Add(1)
}

func (r *Registry) IncSupervisionCycle() {
	if r == nil {
		return
	}
	r.cycles.Add(1)
}

func (r *Registry) IncIntervention(action, outcome string) {
	if r == nil {
		return
	}
	counter(&r.interventions, labelOrUnknown(action)+"|"+labelOrUnknown(outcome)).Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.published, labelOrUnknown(bus)+"|"+labelOrUnknown(eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.dropped, labelOrUnknown(bus)+"|"+labelOrUnknown(eventType)).Add(1)
}

func (r *Registry) SetEventSubscriberCount(bus string, count int) {
	if r == nil {
		return
	}
	counter(&r.subscribers, labelOrUnknown(bus)).Store(int64(count))
}

// Terminated returns the termination count for one outcome.
func (r *Registry) Terminated(outcome string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.terminations, labelOrUnknown(outcome)).Load()
}

// Interventions returns the count for one action/outcome pair.
func (r *Registry) Interventions(action, outcome string) int64 {
	if r == nil {
		return 0
	}
	return counter(&r.interventions, labelOrUnknown(action)+"|"+labelOrUnknown(outcome)).Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "fleet_instances_spawned_total", "Instances that reached running", r.spawned.Load())
	writeCounter(writer, "fleet_instance_spawn_failures_total", "Spawn attempts rolled back", r.spawnFailures.Load())
	writeCounter(writer, "fleet_messages_sent_total", "Messages delivered by the router", r.messagesSent.Load())
	writeCounter(writer, "fleet_replies_queued_total", "Replies pushed onto response queues", r.repliesQueued.Load())
	writeCounter(writer, "fleet_reply_timeouts_total", "Wait-for-reply calls that timed out", r.replyTimeouts.Load())
	writeCounter(writer, "fleet_governor_sweeps_total", "Resource governor sweeps", r.sweeps.Load())
	writeCounter(writer, "fleet_supervision_cycles_total", "Supervisor evaluation cycles", r.cycles.Load())

	writeLabeled(writer, "fleet_instances_terminated_total", "Instances terminated by outcome", "counter", &r.terminations, []string{"outcome"})
	writeLabeled(writer, "fleet_interventions_total", "Supervisor interventions", "counter", &r.interventions, []string{"action", "outcome"})
	writeLabeled(writer, "fleet_events_published_total", "Events published per bus", "counter", &r.published, []string{"bus", "type"})
	writeLabeled(writer, "fleet_events_dropped_total", "Events dropped per bus", "counter", &r.dropped, []string{"bus", "type"})
	writeLabeled(writer, "fleet_event_subscribers", "Current subscribers per bus", "gauge", &r.subscribers, []string{"bus"})
	return nil
}

func counter(store *sync.Map, key string) *atomic.Int64 {
	value, _ := store.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func writeLabeled(writer io.Writer, metric, help, kind string, store *sync.Map, labels []string) {
	var keys []string
	store.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s %s\n", metric, kind)
	for _, key := range keys {
		values := strings.SplitN(key, "|", len(labels))
		pairs := make([]string, 0, len(labels))
		for i, label := range labels {
			value := ""
			if i < len(values) {
				value = values[i]
			}
			pairs = append(pairs, fmt.Sprintf("%s=%s", label, formatLabel(value)))
		}
		fmt.Fprintf(writer, "%s{%s} %d\n", metric, strings.Join(pairs, ","), counter(store, key).Load())
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return strings.ReplaceAll(value, "|", "_")
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
