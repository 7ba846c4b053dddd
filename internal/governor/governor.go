// Package governor enforces per-instance idle timeouts and usage limits.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet/internal/clock"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/registry"
)

const (
	DefaultInterval = 10 * time.Second

	ReasonIdleTimeout   = "idle timeout exceeded"
	ReasonLimitExceeded = "limit exceeded"
)

// Instances is the registry surface the governor acts through.
type Instances interface {
	ListActive() []instance.Instance
	Status(id string) (instance.Instance, error)
	Terminate(ctx context.Context, id string, opts registry.TerminateOptions) (bool, error)
}

type Options struct {
	Instances Instances
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

// Action records one enforcement taken by a sweep.
type Action struct {
	InstanceID string         `json:"instance_id"`
	Outcome    instance.State `json:"outcome"`
	Reason     string         `json:"reason"`
	Limit      string         `json:"limit,omitempty"`
}

type Governor struct {
	instances Instances
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Registry

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(opts Options) (*Governor, error) {
	if opts.Instances == nil {
		return nil, errors.New("governor requires an instance registry")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Governor{
		instances: opts.Instances,
		interval:  opts.Interval,
		clock:     clock.OrReal(opts.Clock),
		logger:    opts.Logger.Category("governor"),
		metrics:   opts.Metrics,
	}, nil
}

// Sweep checks every active instance once and terminates those over their
// timeout or usage limits.
func (g *Governor) Sweep(ctx context.Context) []Action {
	g.metrics.IncGovernorSweep()
	now := g.clock.Now()
	var actions []Action
	for _, listed := range g.instances.ListActive() {
		if ctx.Err() != nil {
			break
		}
		// Earlier terminations in this sweep may have cascaded to listed.
		inst, err := g.instances.Status(listed.ID)
		if err != nil {
			continue
		}
		action, ok := evaluate(inst, now)
		if !ok {
			continue
		}
		opts := registry.TerminateOptions{Outcome: action.Outcome, Reason: action.Reason}
		if action.Limit != "" {
			opts.Cause = fmt.Errorf("%w: %s", instance.ErrLimitExceeded, action.Limit)
		}
		if _, err := g.instances.Terminate(ctx, inst.ID, opts); err != nil {
			if !errors.Is(err, instance.ErrNotFound) {
				g.logger.Warn("governor terminate failed", map[string]string{
					logging.FieldInstanceID: inst.ID,
					logging.FieldError:      err.Error(),
				})
			}
			continue
		}
		fields := map[string]string{
			logging.FieldInstanceID: inst.ID,
			"outcome":               string(action.Outcome),
			"reason":                action.Reason,
		}
		if action.Limit != "" {
			fields["limit"] = action.Limit
			fields[logging.FieldError] = opts.Cause.Error()
		}
		g.logger.Info("governor terminated instance", fields)
		actions = append(actions, action)
	}
	return actions
}

func evaluate(inst instance.Instance, now time.Time) (Action, bool) {
	if !inst.State.Active() {
		return Action{}, false
	}
	if inst.Limits.Timeout > 0 && !inst.Counters.LastActivityAt.IsZero() &&
		now.Sub(inst.Counters.LastActivityAt) > inst.Limits.Timeout {
		return Action{InstanceID: inst.ID, Outcome: instance.StateTimeout, Reason: ReasonIdleTimeout}, true
	}
	if limit, exceeded := inst.Limits.ExceededBy(inst.Counters); exceeded {
		return Action{InstanceID: inst.ID, Outcome: instance.StateError, Reason: ReasonLimitExceeded, Limit: limit}, true
	}
	return Action{}, false
}

// Start runs Sweep every interval until ctx ends or Stop is called.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.run(loopCtx, g.interval, g.done)
}

func (g *Governor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
			if next := g.currentInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (g *Governor) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Governor) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

func (g *Governor) currentInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// SetInterval changes the sweep period; a running loop applies it after its
// next tick.
func (g *Governor) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.mu.Lock()
	g.interval = interval
	g.mu.Unlock()
	g.logger.Info("governor interval updated", map[string]string{"interval": interval.String()})
}
