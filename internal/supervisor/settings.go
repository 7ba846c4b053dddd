package supervisor

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"fleet/internal/instance"
)

const (
	DefaultInterval           = 15 * time.Second
	DefaultStuckThreshold     = 5 * time.Minute
	DefaultStatusCheckTimeout = 30 * time.Second
	DefaultCooldown           = 2 * time.Minute
	DefaultMaxInterventions   = 5
	DefaultErrorLoopThreshold = 3
	DefaultErrorLookback      = 10 * time.Minute
	DefaultOutputLines        = 200

	DefaultStatusCheckMessage = "Supervisor status check: reply with what you are working on and whether you are blocked."
	DefaultGuidanceMessage    = "Supervisor: you appear to be stalled. Summarize the blocker, try a different approach, or ask your parent for help."
)

var DefaultErrorPatterns = []string{
	`(?i)\berror\b`,
	`(?i)\bexception\b`,
	`(?i)\bpanic:`,
	`(?i)\bfailed\b`,
	`(?i)traceback`,
}

// Settings tune classification and remediation. They can be replaced at
// runtime with UpdateSettings.
type Settings struct {
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
	// Helper, when set, is spawned next to an instance stuck in an error loop.
	Helper *instance.SpawnConfig
}

func DefaultSettings() Settings {
	return Settings{
		Interval:           DefaultInterval,
		StuckThreshold:     DefaultStuckThreshold,
		StatusCheckTimeout: DefaultStatusCheckTimeout,
		Cooldown:           DefaultCooldown,
		MaxInterventions:   DefaultMaxInterventions,
		ErrorPatterns:      append([]string(nil), DefaultErrorPatterns...),
		ErrorLoopThreshold: DefaultErrorLoopThreshold,
		ErrorLookback:      DefaultErrorLookback,
		OutputLines:        DefaultOutputLines,
		StatusCheckMessage: DefaultStatusCheckMessage,
		GuidanceMessage:    DefaultGuidanceMessage,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Interval <= 0 {
		s.Interval = def.Interval
	}
	if s.StuckThreshold <= 0 {
		s.StuckThreshold = def.StuckThreshold
	}
	if s.StatusCheckTimeout <= 0 {
		s.StatusCheckTimeout = def.StatusCheckTimeout
	}
	if s.Cooldown < 0 {
		s.Cooldown = 0
	}
	if s.MaxInterventions <= 0 {
		s.MaxInterventions = def.MaxInterventions
	}
	if s.ErrorPatterns == nil {
		s.ErrorPatterns = def.ErrorPatterns
	}
	if s.ErrorLoopThreshold <= 0 {
		s.ErrorLoopThreshold = def.ErrorLoopThreshold
	}
	if s.ErrorLookback <= 0 {
		s.ErrorLookback = def.ErrorLookback
	}
	if s.OutputLines <= 0 {
		s.OutputLines = def.OutputLines
	}
	if s.StatusCheckMessage == "" {
		s.StatusCheckMessage = def.StatusCheckMessage
	}
	if s.GuidanceMessage == "" {
		s.GuidanceMessage = def.GuidanceMessage
	}
	return s
}

func (s Settings) compile() ([]*regexp.Regexp, error) {
	var errs []error
	patterns := make([]*regexp.Regexp, 0, len(s.ErrorPatterns))
	for _, raw := range s.ErrorPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("error pattern %q: %w", raw, err))
			continue
		}
		patterns = append(patterns, re)
	}
	if s.Helper != nil {
		if err := s.Helper.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("helper: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", instance.ErrInvalidConfig, err)
	}
	return patterns, nil
}

// Validate reports whether s can be applied.
func (s Settings) Validate() error {
	_, err := s.withDefaults().compile()
	return err
}
