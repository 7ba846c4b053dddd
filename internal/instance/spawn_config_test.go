package instance

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"fleet/internal/schema"
)

func TestDecodeSpawnJSON(t *testing.T) {
	data := []byte(`{
		"name": "worker",
		"role": "reviewer",
		"kind": "codex",
		"parent_id": "p1",
		"limits": {"max_tokens": 1000, "max_cost": 2.5, "timeout_duration": "90s"},
		"launch_spec": {"argv": ["bash"], "ready_marker": "$ ", "ready_timeout": 3, "initial_input": "hi"}
	}`)

	cfg, err := DecodeSpawnJSON(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Name != "worker" || cfg.ParentID != "p1" || cfg.KindOrDefault() != "codex" {
		t.Fatalf("unexpected config: %#v", cfg)
	}
	limits := cfg.ToLimits()
	if limits.MaxTokens != 1000 || limits.MaxCost != 2.5 || limits.Timeout != 90*time.Second {
		t.Fatalf("unexpected limits: %#v", limits)
	}
	spec := cfg.ToLaunchSpec("fleet-1", time.Minute)
	if spec.ReadyTimeout != 3*time.Second {
		t.Fatalf("expected numeric seconds to decode, got %s", spec.ReadyTimeout)
	}
	if spec.Argv[0] != "bash" || spec.SessionID != "fleet-1" || spec.InitialInput != "hi" {
		t.Fatalf("unexpected launch spec: %#v", spec)
	}
}

func TestDecodeSpawnJSONRejectsUnknownFields(t *testing.T) {
	_, err := DecodeSpawnJSON([]byte(`{"name":"w","colour":"blue"}`))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDecodeSpawnYAML(t *testing.T) {
	data := []byte(`
name: planner
kind: claude
limits:
  timeout_duration: 2m
launch_spec:
  env:
    MODE: test
`)
	cfg, err := DecodeSpawnYAML(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Limits.TimeoutDuration.Std() != 2*time.Minute {
		t.Fatalf("unexpected timeout: %s", cfg.Limits.TimeoutDuration)
	}
	spec := cfg.ToLaunchSpec("s", time.Second)
	if spec.Argv[0] != "claude" || spec.Env["MODE"] != "test" {
		t.Fatalf("unexpected launch spec: %#v", spec)
	}
}

func TestDecodeSpawnYAMLRejectsUnknownFields(t *testing.T) {
	_, err := DecodeSpawnYAML([]byte("name: w\nlimits:\n  max_tokenz: 3\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSpawnConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     SpawnConfig
		message string
	}{
		{"missing name", SpawnConfig{}, "name is required"},
		{"bad kind", SpawnConfig{Name: "a", Kind: "gpt"}, "unknown kind"},
		{"negative tokens", SpawnConfig{Name: "a", Limits: LimitsConfig{MaxTokens: -1}}, "max_tokens"},
		{"blank argv", SpawnConfig{Name: "a", LaunchSpec: LaunchConfig{Argv: []string{" "}}}, "argv[0]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected %q in %v", tc.message, err)
			}
		})
	}
}

func TestDurationRejectsNegative(t *testing.T) {
	for _, raw := range []string{`"-5s"`, `-5`, `-0.5`} {
		var d Duration
		if err := json.Unmarshal([]byte(raw), &d); err == nil {
			t.Fatalf("expected negative duration %s to fail, got %s", raw, d)
		}
	}
	for _, value := range []string{"-5", "-1.5", "-5s"} {
		_, err := DecodeSpawnYAML([]byte("name: w\nlimits:\n  timeout_duration: " + value + "\n"))
		if err == nil || !strings.Contains(err.Error(), "must not be negative") {
			t.Fatalf("expected negative yaml duration %s to fail, got %v", value, err)
		}
	}
	var d Duration
	if err := json.Unmarshal([]byte(`1.5`), &d); err != nil || d.Std() != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s (%v)", d, err)
	}
}

func TestLimitsExceededBy(t *testing.T) {
	limits := Limits{MaxTokens: 10, MaxCost: 1}
	if _, exceeded := limits.ExceededBy(Counters{TokensUsed: 10, CostAccrued: 1}); exceeded {
		t.Fatalf("limits are inclusive")
	}
	if which, exceeded := limits.ExceededBy(Counters{TokensUsed: 11}); !exceeded || which != "max_tokens" {
		t.Fatalf("expected max_tokens, got %q", which)
	}
	if which, exceeded := limits.ExceededBy(Counters{CostAccrued: 1.5}); !exceeded || which != "max_cost" {
		t.Fatalf("expected max_cost, got %q", which)
	}
	if _, exceeded := (Limits{}).ExceededBy(Counters{TokensUsed: 1 << 40}); exceeded {
		t.Fatalf("zero limits are unlimited")
	}
}

func TestNewSummaryCounts(t *testing.T) {
	summary := NewSummary([]Instance{
		{ID: "b", State: StateRunning},
		{ID: "a", State: StateTerminated},
		{ID: "c", State: StateIdle},
	})
	if summary.Total != 3 || summary.Active != 2 {
		t.Fatalf("unexpected totals: %#v", summary)
	}
	if summary.ByState[StateTerminated] != 1 || summary.ByState[StateBusy] != 0 {
		t.Fatalf("unexpected by-state counts: %#v", summary.ByState)
	}
	if summary.Instances[0].ID != "a" {
		t.Fatalf("expected id tiebreak ordering, got %s", summary.Instances[0].ID)
	}
}

func TestSpawnConfigSchema(t *testing.T) {
	payload, err := schema.Marshal(SchemaSpawnConfig)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var decoded struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if len(decoded.Required) != 1 || decoded.Required[0] != "name" {
		t.Fatalf("expected name to be required, got %v", decoded.Required)
	}
	for _, key := range []string{"name", "kind", "parent_id", "limits", "launch_spec"} {
		if _, ok := decoded.Properties[key]; !ok {
			t.Fatalf("expected property %q in %s", key, payload)
		}
	}
}
