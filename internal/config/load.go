package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"fleet/internal/config/tomlkeys"
	"fleet/internal/instance"
)

const (
	envPrefix    = "FLEET_"
	envOverrides = "FLEET_CONFIG_OVERRIDES"
)

type LoadOptions struct {
	// Path is the TOML file; empty loads defaults only.
	Path string
	// Getenv reads environment overrides; nil uses os.Getenv.
	Getenv func(string) string
	// Overrides are normalized key/value pairs applied last.
	Overrides map[string]any
}

// Load layers defaults, the file, FLEET_* variables, FLEET_CONFIG_OVERRIDES
// and explicit overrides, in that order, and validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()
	for _, key := range Keys() {
		cfg.Sources[key] = SourceDefault
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var problems []error
	if strings.TrimSpace(opts.Path) != "" {
		payload, err := os.ReadFile(opts.Path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.Path, err)
		}
		problems = append(problems, applyDocument(&cfg, payload)...)
	}

	for _, f := range fields {
		raw := getenv(EnvName(f.key))
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if err := f.apply(&cfg, raw); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", EnvName(f.key), err))
			continue
		}
		cfg.Sources[f.key] = SourceEnv
	}

	envEntries, err := ParseOverridesEnv(getenv(envOverrides))
	if err != nil {
		problems = append(problems, fmt.Errorf("%s: %w", envOverrides, err))
	}
	problems = append(problems, applyOverrides(&cfg, envEntries)...)
	problems = append(problems, applyOverrides(&cfg, opts.Overrides)...)

	if err := errors.Join(problems...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", instance.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults without consulting the
// environment.
func Parse(payload []byte) (Config, error) {
	cfg := Default()
	if err := errors.Join(applyDocument(&cfg, payload)...); err != nil {
		return Config{}, fmt.Errorf("%w: %w", instance.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDocument(cfg *Config, payload []byte) []error {
	doc, err := tomlkeys.Decode(payload)
	if err != nil {
		return []error{fmt.Errorf("decode toml: %w", err)}
	}
	var problems []error
	for _, entry := range doc.Entries() {
		f, ok := fieldIndex[entry.Key]
		if !ok {
			problems = append(problems, fmt.Errorf("unknown key %q", entry.Raw))
			continue
		}
		if err := f.apply(cfg, entry.Value); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", entry.Key, err))
			continue
		}
		cfg.Sources[entry.Key] = SourceFile
	}
	return problems
}

func applyOverrides(cfg *Config, overrides map[string]any) []error {
	var problems []error
	for key, value := range overrides {
		normalized := tomlkeys.NormalizeKey(key)
		f, ok := fieldIndex[normalized]
		if !ok {
			problems = append(problems, fmt.Errorf("unknown override key %q", key))
			continue
		}
		if err := f.apply(cfg, value); err != nil {
			problems = append(problems, fmt.Errorf("override %s: %w", normalized, err))
			continue
		}
		cfg.Sources[normalized] = SourceOverride
	}
	return problems
}

// ParseOverrides turns key=value entries into normalized overrides.
func ParseOverrides(entries []string) (map[string]any, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("config override must be key=value: %q", entry)
		}
		normalized := tomlkeys.NormalizeKey(key)
		if normalized == "" {
			return nil, fmt.Errorf("config override key cannot be empty")
		}
		overrides[normalized] = parseOverrideValue(strings.TrimSpace(value))
	}
	return overrides, nil
}

// ParseOverridesEnv splits a comma separated FLEET_CONFIG_OVERRIDES value.
func ParseOverridesEnv(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return nil, fmt.Errorf("config override entry cannot be empty")
		}
	}
	return ParseOverrides(parts)
}

func parseOverrideValue(value string) any {
	if strings.EqualFold(value, "true") {
		return true
	}
	if strings.EqualFold(value, "false") {
		return false
	}
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
		return parsed
	}
	return value
}
