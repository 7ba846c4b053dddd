package launchspec

import (
	"sort"
	"strings"
	"time"
)

// Kind selects the backend flavor of an instance.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// DefaultShutdownInput is sent to a session on graceful shutdown when the
// spec does not name one. Driver specific: tmux treats it as a key name.
const DefaultShutdownInput = "C-c"

// LaunchSpec describes how a driver starts and stops one session.
type LaunchSpec struct {
	SessionID     string            `json:"session_id"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	ReadyMarker   string            `json:"ready_marker,omitempty"`
	ReadyTimeout  time.Duration     `json:"ready_timeout,omitempty"`
	ShutdownInput string            `json:"shutdown_input,omitempty"`
	InitialInput  string            `json:"initial_input,omitempty"`
}

// ParseKind maps a user supplied kind to a known Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindClaude, "":
		return KindClaude, true
	case KindCodex:
		return KindCodex, true
	default:
		return "", false
	}
}

// DefaultArgv returns the argv used when a spawn config names only a kind.
func DefaultArgv(kind Kind) []string {
	switch kind {
	case KindCodex:
		return []string{"codex"}
	default:
		return []string{"claude"}
	}
}

// NormalizeLaunchSpec trims fields, fills the argv from kind and applies defaults.
func NormalizeLaunchSpec(spec LaunchSpec, kind Kind, readyTimeout time.Duration) LaunchSpec {
	spec.SessionID = strings.TrimSpace(spec.SessionID)
	spec.Argv = normalizeArgv(spec.Argv)
	if len(spec.Argv) == 0 {
		spec.Argv = DefaultArgv(kind)
	}
	spec.Env = normalizeEnv(spec.Env)
	if spec.ReadyTimeout <= 0 {
		spec.ReadyTimeout = readyTimeout
	}
	if strings.TrimSpace(spec.ShutdownInput) == "" {
		spec.ShutdownInput = DefaultShutdownInput
	}
	return spec
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (spec LaunchSpec) EnvList() []string {
	if len(spec.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+spec.Env[key])
	}
	return pairs
}

func normalizeArgv(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for i, value := range values {
		if i == 0 {
			value = strings.TrimSpace(value)
			if value == "" {
				return nil
			}
		}
		result = append(result, value)
	}
	return result
}

func normalizeEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	result := make(map[string]string, len(env))
	for key, value := range env {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
