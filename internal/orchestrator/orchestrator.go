package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fleet/internal/clock"
	"fleet/internal/config"
	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/eventlog"
	"fleet/internal/governor"
	"fleet/internal/logging"
	"fleet/internal/mailbox"
	"fleet/internal/metrics"
	"fleet/internal/registry"
	"fleet/internal/router"
	"fleet/internal/runner/tmux"
	"fleet/internal/supervisor"
)

const (
	StageDriver     = "driver"
	StageRegistry   = "registry"
	StageRouter     = "router"
	StageGovernor   = "governor"
	StageSupervisor = "supervisor"
)

// BuildError names the component that failed to construct.
type BuildError struct {
	Stage string
	Err   error
}

func (e BuildError) Error() string {
	if e.Err == nil {
		return e.Stage
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e BuildError) Unwrap() error {
	return e.Err
}

type Options struct {
	Config config.Config
	// Driver replaces the driver selected by Config.Registry.Driver.
	Driver  driver.Driver
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Events holds the buses every component publishes on.
type Events struct {
	Instances     *event.Bus[event.InstanceEvent]
	Messages      *event.Bus[event.MessageEvent]
	Interventions *event.Bus[event.InterventionEvent]
	Config        *event.Bus[event.ConfigEvent]
}

// Record copies every stream into sink until the sink closes.
func (e *Events) Record(sink *eventlog.Sink) {
	eventlog.Attach(sink, "instance", e.Instances)
	eventlog.Attach(sink, "message", e.Messages)
	eventlog.Attach(sink, "intervention", e.Interventions)
	eventlog.Attach(sink, "config", e.Config)
}

func (e *Events) close() {
	e.Instances.Close()
	e.Messages.Close()
	e.Interventions.Close()
	e.Config.Close()
}

type Orchestrator struct {
	logger  *logging.Logger
	metrics *metrics.Registry
	driver  driver.Driver
	events  *Events

	registry   *registry.Registry
	router     *router.Router
	governor   *governor.Governor
	supervisor *supervisor.Supervisor

	mu     sync.Mutex
	config config.Config

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	metricsRegistry := opts.Metrics
	if metricsRegistry == nil {
		metricsRegistry = metrics.Default
	}

	sessionDriver := opts.Driver
	if sessionDriver == nil {
		built, err := newDriver(cfg.Registry, logger)
		if err != nil {
			return nil, BuildError{Stage: StageDriver, Err: err}
		}
		sessionDriver = built
	}

	events := newEvents(cfg.Events, logger, metricsRegistry)
	mailboxes := mailbox.NewStore()

	reg, err := registry.New(registry.Options{
		Driver:             sessionDriver,
		Mailboxes:          mailboxes,
		WorkspaceRoot:      cfg.Registry.WorkspaceRoot,
		MaxInstances:       cfg.Registry.MaxInstances,
		ReadyTimeout:       cfg.Registry.ReadyTimeout,
		GracePeriod:        cfg.Registry.GracePeriod,
		OutputPollInterval: cfg.Registry.OutputPollInterval,
		IdleAfter:          cfg.Registry.IdleAfter,
		OutputLines:        cfg.Registry.OutputLines,
		Clock:              opts.Clock,
		Logger:             logger,
		Bus:                events.Instances,
		Metrics:            metricsRegistry,
	})
	if err != nil {
		events.close()
		return nil, BuildError{Stage: StageRegistry, Err: err}
	}

	fail := func(stage string, err error) (*Orchestrator, error) {
		reg.Close()
		events.close()
		return nil, BuildError{Stage: stage, Err: err}
	}

	msgRouter, err := router.New(router.Options{
		Instances:      reg,
		Mailboxes:      mailboxes,
		CoordinatorID:  cfg.Router.CoordinatorID,
		SupervisorID:   cfg.Router.SupervisorID,
		SendTimeout:    cfg.Router.SendTimeout,
		HistorySize:    cfg.Router.HistorySize,
		BroadcastLimit: cfg.Router.BroadcastLimit,
		Clock:          opts.Clock,
		Logger:         logger,
		Bus:            events.Messages,
		Metrics:        metricsRegistry,
	})
	if err != nil {
		return fail(StageRouter, err)
	}

	gov, err := governor.New(governor.Options{
		Instances: reg,
		Interval:  cfg.Governor.Interval,
		Clock:     opts.Clock,
		Logger:    logger,
		Metrics:   metricsRegistry,
	})
	if err != nil {
		return fail(StageGovernor, err)
	}

	sup, err := supervisor.New(supervisor.Options{
		Instances: reg,
		Messenger: msgRouter,
		Settings:  SupervisorSettings(cfg.Supervisor),
		Clock:     opts.Clock,
		Logger:    logger,
		Bus:       events.Interventions,
		Metrics:   metricsRegistry,
	})
	if err != nil {
		return fail(StageSupervisor, err)
	}

	return &Orchestrator{
		logger:     logger.Category("orchestrator"),
		metrics:    metricsRegistry,
		driver:     sessionDriver,
		events:     events,
		registry:   reg,
		router:     msgRouter,
		governor:   gov,
		supervisor: sup,
		config:     cfg,
	}, nil
}

func newDriver(cfg config.RegistryConfig, logger *logging.Logger) (driver.Driver, error) {
	switch cfg.Driver {
	case config.DriverTmux:
		return driver.NewTmux(driver.TmuxOptions{
			Client:        tmux.NewClientWithBinary(cfg.TmuxBinary),
			SessionPrefix: cfg.SessionPrefix,
			Logger:        logger,
		}), nil
	case config.DriverPTY:
		return driver.NewPTY(driver.PTYOptions{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func newEvents(cfg config.EventsConfig, logger *logging.Logger, registry *metrics.Registry) *Events {
	options := func(name string) event.BusOptions {
		return event.BusOptions{
			Name:                 name,
			SubscriberBufferSize: cfg.BufferSize,
			Registry:             registry,
			Logger:               logger,
		}
	}
	ctx := context.Background()
	return &Events{
		Instances:     event.NewBus[event.InstanceEvent](ctx, options("instances")),
		Messages:      event.NewBus[event.MessageEvent](ctx, options("messages")),
		Interventions: event.NewBus[event.InterventionEvent](ctx, options("interventions")),
		Config:        event.NewBus[event.ConfigEvent](ctx, options("config")),
	}
}

// Start launches the governor and, when enabled, the supervisor.
func (o *Orchestrator) Start(ctx context.Context) {
	cfg := o.Config()
	if cfg.Governor.Enabled {
		o.governor.Start(ctx)
	}
	if cfg.Supervisor.Enabled {
		o.supervisor.Start(ctx)
	}
	o.logger.Info("orchestrator started", map[string]string{
		"governor":   fmt.Sprint(cfg.Governor.Enabled),
		"supervisor": fmt.Sprint(cfg.Supervisor.Enabled),
		"driver":     cfg.Registry.Driver,
	})
}

// Shutdown stops the loops, terminates every live instance and closes the
// buses. Later calls return the first result.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.supervisor.Stop()
		o.governor.Stop()
		var errs []error
		if err := o.registry.TerminateAll(ctx, "orchestrator shutdown"); err != nil {
			errs = append(errs, err)
		}
		o.registry.Close()
		if closer, ok := o.driver.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close driver: %w", err))
			}
		}
		o.events.close()
		o.shutdownErr = errors.Join(errs...)
		fields := map[string]string{}
		if o.shutdownErr != nil {
			fields[logging.FieldError] = o.shutdownErr.Error()
		}
		o.logger.Info("orchestrator stopped", fields)
	})
	return o.shutdownErr
}

func (o *Orchestrator) Events() *Events {
	return o.events
}

func (o *Orchestrator) Config() config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

func (o *Orchestrator) Metrics() *metrics.Registry {
	return o.metrics
}
