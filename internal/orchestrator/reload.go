package orchestrator

import (
	"context"
	"slices"
	"strings"

	"fleet/internal/config"
	"fleet/internal/logging"
	"fleet/internal/supervisor"
)

// SupervisorSettings converts the [supervisor] section into supervisor
// settings; empty messages fall back to the supervisor defaults.
func SupervisorSettings(cfg config.SupervisorConfig) supervisor.Settings {
	return supervisor.Settings{
		Interval:           cfg.Interval,
		StuckThreshold:     cfg.StuckThreshold,
		StatusCheckTimeout: cfg.StatusCheckTimeout,
		Cooldown:           cfg.Cooldown,
		MaxInterventions:   cfg.MaxInterventions,
		ErrorPatterns:      append([]string(nil), cfg.ErrorPatterns...),
		ErrorLoopThreshold: cfg.ErrorLoopThreshold,
		ErrorLookback:      cfg.ErrorLookback,
		OutputLines:        cfg.OutputLines,
		StatusCheckMessage: cfg.StatusCheckMessage,
		GuidanceMessage:    cfg.GuidanceMessage,
		Helper:             cfg.Helper(),
	}
}

// ApplyConfig hot-applies the governor and supervisor sections of next.
// Changes to other sections are kept but only take effect after a restart.
// It matches config.ReloaderOptions.OnChange.
func (o *Orchestrator) ApplyConfig(ctx context.Context, next config.Config, sections []string) error {
	var restart []string
	for _, section := range sections {
		switch section {
		case config.SectionGovernor:
			o.governor.SetInterval(next.Governor.Interval)
			switch {
			case next.Governor.Enabled && !o.governor.Running():
				o.governor.Start(ctx)
			case !next.Governor.Enabled && o.governor.Running():
				o.governor.Stop()
			}
		case config.SectionSupervisor:
			if err := o.supervisor.UpdateSettings(SupervisorSettings(next.Supervisor)); err != nil {
				o.logger.Warn("supervisor settings rejected", map[string]string{logging.FieldError: err.Error()})
				return err
			}
			switch {
			case next.Supervisor.Enabled && !o.supervisor.Running():
				o.supervisor.Start(ctx)
			case !next.Supervisor.Enabled && o.supervisor.Running():
				o.supervisor.Stop()
			}
		default:
			restart = append(restart, section)
		}
	}

	o.mu.Lock()
	o.config = next
	o.mu.Unlock()

	if len(restart) > 0 {
		slices.Sort(restart)
		o.logger.Warn("config sections need a restart to apply", map[string]string{
			"sections": strings.Join(restart, ","),
		})
	}
	return nil
}
