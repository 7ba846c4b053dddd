package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fleet/internal/config/tomlkeys"
)

// field binds one normalized key to the Config value it sets.
type field struct {
	key   string
	apply func(*Config, any) error
}

var fields = []field{
	stringField("registry.driver", func(c *Config) *string { return &c.Registry.Driver }),
	stringField("registry.tmux-binary", func(c *Config) *string { return &c.Registry.TmuxBinary }),
	stringField("registry.session-prefix", func(c *Config) *string { return &c.Registry.SessionPrefix }),
	stringField("registry.workspace-root", func(c *Config) *string { return &c.Registry.WorkspaceRoot }),
	intField("registry.max-instances", func(c *Config) *int { return &c.Registry.MaxInstances }),
	durationField("registry.ready-timeout", func(c *Config) *time.Duration { return &c.Registry.ReadyTimeout }),
	durationField("registry.grace-period", func(c *Config) *time.Duration { return &c.Registry.GracePeriod }),
	durationField("registry.output-poll-interval", func(c *Config) *time.Duration { return &c.Registry.OutputPollInterval }),
	durationField("registry.idle-after", func(c *Config) *time.Duration { return &c.Registry.IdleAfter }),
	intField("registry.output-lines", func(c *Config) *int { return &c.Registry.OutputLines }),

	stringField("router.coordinator-id", func(c *Config) *string { return &c.Router.CoordinatorID }),
	stringField("router.supervisor-id", func(c *Config) *string { return &c.Router.SupervisorID }),
	durationField("router.send-timeout", func(c *Config) *time.Duration { return &c.Router.SendTimeout }),
	intField("router.history-size", func(c *Config) *int { return &c.Router.HistorySize }),
	intField("router.broadcast-limit", func(c *Config) *int { return &c.Router.BroadcastLimit }),

	boolField("governor.enabled", func(c *Config) *bool { return &c.Governor.Enabled }),
	durationField("governor.interval", func(c *Config) *time.Duration { return &c.Governor.Interval }),

	boolField("supervisor.enabled", func(c *Config) *bool { return &c.Supervisor.Enabled }),
	durationField("supervisor.interval", func(c *Config) *time.Duration { return &c.Supervisor.Interval }),
	durationField("supervisor.stuck-threshold", func(c *Config) *time.Duration { return &c.Supervisor.StuckThreshold }),
	durationField("supervisor.status-check-timeout", func(c *Config) *time.Duration { return &c.Supervisor.StatusCheckTimeout }),
	durationField("supervisor.cooldown", func(c *Config) *time.Duration { return &c.Supervisor.Cooldown }),
	intField("supervisor.max-interventions", func(c *Config) *int { return &c.Supervisor.MaxInterventions }),
	stringsField("supervisor.error-patterns", func(c *Config) *[]string { return &c.Supervisor.ErrorPatterns }),
	intField("supervisor.error-loop-threshold", func(c *Config) *int { return &c.Supervisor.ErrorLoopThreshold }),
	durationField("supervisor.error-lookback", func(c *Config) *time.Duration { return &c.Supervisor.ErrorLookback }),
	intField("supervisor.output-lines", func(c *Config) *int { return &c.Supervisor.OutputLines }),
	stringField("supervisor.status-check-message", func(c *Config) *string { return &c.Supervisor.StatusCheckMessage }),
	stringField("supervisor.guidance-message", func(c *Config) *string { return &c.Supervisor.GuidanceMessage }),
	stringField("supervisor.helper-name", func(c *Config) *string { return &c.Supervisor.HelperName }),
	stringField("supervisor.helper-role", func(c *Config) *string { return &c.Supervisor.HelperRole }),
	stringField("supervisor.helper-kind", func(c *Config) *string { return &c.Supervisor.HelperKind }),

	stringField("log.level", func(c *Config) *string { return &c.Log.Level }),
	stringField("log.file", func(c *Config) *string { return &c.Log.File }),
	intField("log.max-size-mb", func(c *Config) *int { return &c.Log.MaxSizeMB }),
	intField("log.max-backups", func(c *Config) *int { return &c.Log.MaxBackups }),
	intField("log.max-age-days", func(c *Config) *int { return &c.Log.MaxAgeDays }),

	stringField("events.file", func(c *Config) *string { return &c.Events.File }),
	intField("events.max-size-mb", func(c *Config) *int { return &c.Events.MaxSizeMB }),
	intField("events.max-backups", func(c *Config) *int { return &c.Events.MaxBackups }),
	intField("events.buffer-size", func(c *Config) *int { return &c.Events.BufferSize }),
}

var fieldIndex = func() map[string]field {
	index := make(map[string]field, len(fields))
	for _, f := range fields {
		index[f.key] = f
	}
	return index
}()

// Keys lists every recognized configuration key.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.key)
	}
	sort.Strings(keys)
	return keys
}

// EnvName maps a key such as supervisor.stuck-threshold to
// FLEET_SUPERVISOR_STUCK_THRESHOLD.
func EnvName(key string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_")
	return envPrefix + strings.ToUpper(replacer.Replace(tomlkeys.NormalizeKey(key)))
}

func stringField(key string, get func(*Config) *string) field {
	return field{key: key, apply: func(c *Config, value any) error {
		switch typed := value.(type) {
		case string:
			*get(c) = strings.TrimSpace(typed)
		case int64, float64, bool:
			*get(c) = fmt.Sprint(typed)
		default:
			return fmt.Errorf("expected string, got %T", value)
		}
		return nil
	}}
}

func intField(key string, get func(*Config) *int) field {
	return field{key: key, apply: func(c *Config, value any) error {
		parsed, ok := tomlkeys.AsInt(value)
		if !ok {
			return fmt.Errorf("expected integer, got %v", value)
		}
		*get(c) = int(parsed)
		return nil
	}}
}

func boolField(key string, get func(*Config) *bool) field {
	return field{key: key, apply: func(c *Config, value any) error {
		parsed, ok := tomlkeys.AsBool(value)
		if !ok {
			return fmt.Errorf("expected boolean, got %v", value)
		}
		*get(c) = parsed
		return nil
	}}
}

func durationField(key string, get func(*Config) *time.Duration) field {
	return field{key: key, apply: func(c *Config, value any) error {
		parsed, err := tomlkeys.AsDuration(value)
		if err != nil {
			return err
		}
		*get(c) = parsed
		return nil
	}}
}

func stringsField(key string, get func(*Config) *[]string) field {
	return field{key: key, apply: func(c *Config, value any) error {
		parsed, ok := tomlkeys.AsStrings(value)
		if !ok {
			return fmt.Errorf("expected list of strings, got %T", value)
		}
		*get(c) = parsed
		return nil
	}}
}
