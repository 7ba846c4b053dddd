package instance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"fleet/internal/runner/launchspec"
)

// SpawnConfig is the caller-facing description of an instance to start.
type SpawnConfig struct {
	Name       string       `json:"name" yaml:"name" jsonschema:"required"`
	Role       string       `json:"role,omitempty" yaml:"role,omitempty"`
	Kind       string       `json:"kind,omitempty" yaml:"kind,omitempty" jsonschema:"enum=claude,enum=codex"`
	ParentID   string       `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Limits     LimitsConfig `json:"limits,omitempty" yaml:"limits,omitempty"`
	LaunchSpec LaunchConfig `json:"launch_spec,omitempty" yaml:"launch_spec,omitempty"`
}

type LimitsConfig struct {
	MaxTokens       int64    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxCost         float64  `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	TimeoutDuration Duration `json:"timeout_duration,omitempty" yaml:"timeout_duration,omitempty"`
}

type LaunchConfig struct {
	Argv          []string          `json:"argv,omitempty" yaml:"argv,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ReadyMarker   string            `json:"ready_marker,omitempty" yaml:"ready_marker,omitempty"`
	ReadyTimeout  Duration          `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
	ShutdownInput string            `json:"shutdown_input,omitempty" yaml:"shutdown_input,omitempty"`
	InitialInput  string            `json:"initial_input,omitempty" yaml:"initial_input,omitempty"`
}

// Validate checks field values; all failures wrap ErrInvalidConfig.
func (c SpawnConfig) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, errors.New("name is required"))
	}
	if _, ok := launchspec.ParseKind(c.Kind); !ok {
		problems = append(problems, fmt.Errorf("unknown kind %q", c.Kind))
	}
	if c.Limits.MaxTokens < 0 {
		problems = append(problems, errors.New("limits.max_tokens must not be negative"))
	}
	if c.Limits.MaxCost < 0 {
		problems = append(problems, errors.New("limits.max_cost must not be negative"))
	}
	if len(c.LaunchSpec.Argv) > 0 && strings.TrimSpace(c.LaunchSpec.Argv[0]) == "" {
		problems = append(problems, errors.New("launch_spec.argv[0] must name a program"))
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}

// KindOrDefault returns the parsed kind, defaulting to claude.
func (c SpawnConfig) KindOrDefault() launchspec.Kind {
	kind, ok := launchspec.ParseKind(c.Kind)
	if !ok {
		return launchspec.KindClaude
	}
	return kind
}

// ToLimits converts the config limits into runtime Limits.
func (c SpawnConfig) ToLimits() Limits {
	return Limits{
		MaxTokens: c.Limits.MaxTokens,
		MaxCost:   c.Limits.MaxCost,
		Timeout:   c.Limits.TimeoutDuration.Std(),
	}
}

// ToLaunchSpec builds a normalized launch spec for sessionID.
func (c SpawnConfig) ToLaunchSpec(sessionID string, defaultReadyTimeout time.Duration) launchspec.LaunchSpec {
	spec := launchspec.LaunchSpec{
		SessionID:     sessionID,
		Argv:          append([]string(nil), c.LaunchSpec.Argv...),
		Env:           c.LaunchSpec.Env,
		ReadyMarker:   c.LaunchSpec.ReadyMarker,
		ReadyTimeout:  c.LaunchSpec.ReadyTimeout.Std(),
		ShutdownInput: c.LaunchSpec.ShutdownInput,
		InitialInput:  c.LaunchSpec.InitialInput,
	}
	return launchspec.NormalizeLaunchSpec(spec, c.KindOrDefault(), defaultReadyTimeout)
}

// DecodeSpawnJSON strictly decodes a JSON spawn config.
func DecodeSpawnJSON(data []byte) (SpawnConfig, error) {
	var cfg SpawnConfig
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return SpawnConfig{}, fmt.Errorf("%w: decode spawn config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return SpawnConfig{}, err
	}
	return cfg, nil
}

// DecodeSpawnYAML strictly decodes a YAML spawn config.
func DecodeSpawnYAML(data []byte) (SpawnConfig, error) {
	var cfg SpawnConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return SpawnConfig{}, fmt.Errorf("%w: decode spawn config: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return SpawnConfig{}, err
	}
	return cfg, nil
}
