package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritePrometheusIncludesLabeledCounters(t *testing.T) {
	registry := &Registry{}
	registry.IncSpawned()
	registry.IncTerminated("error")
	registry.IncTerminated("error")
	registry.IncIntervention("status_check", "failed")
	registry.IncEventPublished("instance_events", "instance_spawned")

	var out bytes.Buffer
	if err := registry.WritePrometheus(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"fleet_instances_spawned_total 1",
		`fleet_instances_terminated_total{outcome="error"} 2`,
		`fleet_interventions_total{action="status_check",outcome="failed"} 1`,
		`fleet_events_published_total{bus="instance_events",type="instance_spawned"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.IncSpawned()
	registry.IncTerminated("terminated")
	if registry.Terminated("terminated") != 0 {
		t.Fatal("expected zero from nil registry")
	}
	if err := registry.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCountersReadBack(t *testing.T) {
	registry := &Registry{}
	registry.IncIntervention("escalate", "succeeded")
	if got := registry.Interventions("escalate", "succeeded"); got != 1 {
		t.Fatalf("expected 1 intervention, got %d", got)
	}
}
