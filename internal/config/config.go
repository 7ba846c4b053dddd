// Package config loads the fleet daemon configuration from TOML, the
// environment and explicit overrides, and reloads it when the file changes.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fleet/internal/instance"
	"fleet/internal/logging"
)

const (
	DriverTmux = "tmux"
	DriverPTY  = "pty"
)

// Source records where a setting's value came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceFile     Source = "file"
	SourceEnv      Source = "env"
	SourceOverride Source = "override"
)

type Config struct {
	Registry   RegistryConfig
	Router     RouterConfig
	Governor   GovernorConfig
	Supervisor SupervisorConfig
	Log        LogConfig
	Events     EventsConfig
	// Sources maps each normalized key to where its value came from.
	Sources map[string]Source
}

type RegistryConfig struct {
	Driver             string
	TmuxBinary         string
	SessionPrefix      string
	WorkspaceRoot      string
	MaxInstances       int
	ReadyTimeout       time.Duration
	GracePeriod        time.Duration
	OutputPollInterval time.Duration
	IdleAfter          time.Duration
	OutputLines        int
}

type RouterConfig struct {
	CoordinatorID  string
	SupervisorID   string
	SendTimeout    time.Duration
	HistorySize    int
	BroadcastLimit int
}

type GovernorConfig struct {
	Enabled  bool
	Interval time.Duration
}

type SupervisorConfig struct {
	Enabled            bool
	Interval           time.Duration
	StuckThreshold     time.Duration
	StatusCheckTimeout time.Duration
	Cooldown           time.Duration
	MaxInterventions   int
	ErrorPatterns      []string
	ErrorLoopThreshold int
	ErrorLookback      time.Duration
	OutputLines        int
	StatusCheckMessage string
	GuidanceMessage    string
	HelperName         string
	HelperRole         string
	HelperKind         string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type EventsConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	BufferSize int
}

func Default() Config {
	return Config{
		Registry: RegistryConfig{
			Driver:             DriverTmux,
			TmuxBinary:         "tmux",
			SessionPrefix:      "fleet",
			WorkspaceRoot:      ".fleet/workspaces",
			MaxInstances:       32,
			ReadyTimeout:       60 * time.Second,
			GracePeriod:        10 * time.Second,
			OutputPollInterval: 250 * time.Millisecond,
			IdleAfter:          5 * time.Second,
			OutputLines:        2000,
		},
		Router: RouterConfig{
			CoordinatorID:  "coordinator",
			SupervisorID:   "supervisor",
			SendTimeout:    60 * time.Second,
			HistorySize:    512,
			BroadcastLimit: 8,
		},
		Governor: GovernorConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Enabled:            false,
			Interval:           15 * time.Second,
			StuckThreshold:     5 * time.Minute,
			StatusCheckTimeout: 30 * time.Second,
			Cooldown:           2 * time.Minute,
			MaxInterventions:   5,
			ErrorPatterns:      []string{`(?i)\berror\b`, `(?i)\bexception\b`, `(?i)\bpanic:`, `(?i)\bfailed\b`, `(?i)traceback`},
			ErrorLoopThreshold: 3,
			ErrorLookback:      10 * time.Minute,
			OutputLines:        200,
		},
		Log: LogConfig{
			Level:      logging.LevelInfo.String(),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Events: EventsConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			BufferSize: 1024,
		},
		Sources: make(map[string]Source),
	}
}

// Validate reports every invalid setting at once, wrapped in
// instance.ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []error
	positive := func(key string, value time.Duration) {
		if value <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive", key))
		}
	}
	atLeastOne := func(key string, value int) {
		if value < 1 {
			problems = append(problems, fmt.Errorf("%s must be at least 1", key))
		}
	}

	switch c.Registry.Driver {
	case DriverTmux, DriverPTY:
	default:
		problems = append(problems, fmt.Errorf("registry.driver must be %q or %q, got %q", DriverTmux, DriverPTY, c.Registry.Driver))
	}
	if strings.TrimSpace(c.Registry.WorkspaceRoot) == "" {
		problems = append(problems, errors.New("registry.workspace-root is required"))
	}
	atLeastOne("registry.max-instances", c.Registry.MaxInstances)
	atLeastOne("registry.output-lines", c.Registry.OutputLines)
	positive("registry.ready-timeout", c.Registry.ReadyTimeout)
	positive("registry.grace-period", c.Registry.GracePeriod)
	positive("registry.output-poll-interval", c.Registry.OutputPollInterval)
	positive("registry.idle-after", c.Registry.IdleAfter)

	if strings.TrimSpace(c.Router.CoordinatorID) == "" || strings.TrimSpace(c.Router.SupervisorID) == "" {
		problems = append(problems, errors.New("router.coordinator-id and router.supervisor-id are required"))
	} else if c.Router.CoordinatorID == c.Router.SupervisorID {
		problems = append(problems, errors.New("router.coordinator-id and router.supervisor-id must differ"))
	}
	positive("router.send-timeout", c.Router.SendTimeout)
	atLeastOne("router.history-size", c.Router.HistorySize)
	atLeastOne("router.broadcast-limit", c.Router.BroadcastLimit)

	positive("governor.interval", c.Governor.Interval)

	positive("supervisor.interval", c.Supervisor.Interval)
	positive("supervisor.stuck-threshold", c.Supervisor.StuckThreshold)
	positive("supervisor.status-check-timeout", c.Supervisor.StatusCheckTimeout)
	positive("supervisor.error-lookback", c.Supervisor.ErrorLookback)
	if c.Supervisor.Cooldown < 0 {
		problems = append(problems, errors.New("supervisor.cooldown must not be negative"))
	}
	atLeastOne("supervisor.max-interventions", c.Supervisor.MaxInterventions)
	atLeastOne("supervisor.error-loop-threshold", c.Supervisor.ErrorLoopThreshold)
	atLeastOne("supervisor.output-lines", c.Supervisor.OutputLines)
	for _, pattern := range c.Supervisor.ErrorPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			problems = append(problems, fmt.Errorf("supervisor.error-patterns: %q: %w", pattern, err))
		}
	}
	if c.Supervisor.HelperName == "" && (c.Supervisor.HelperRole != "" || c.Supervisor.HelperKind != "") {
		problems = append(problems, errors.New("supervisor.helper-name is required when a helper role or kind is set"))
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		problems = append(problems, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	atLeastOne("events.buffer-size", c.Events.BufferSize)

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", instance.ErrInvalidConfig, errors.Join(problems...))
}

// Helper returns the spawn config for supervisor helpers, or nil when none
// is configured.
func (c SupervisorConfig) Helper() *instance.SpawnConfig {
	if strings.TrimSpace(c.HelperName) == "" {
		return nil
	}
	return &instance.SpawnConfig{
		Name: c.HelperName,
		Role: c.HelperRole,
		Kind: c.HelperKind,
	}
}
