// Package registry owns the canonical instance map. It delegates process
// control to a driver.Driver and is the only package that talks to one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fleet/internal/clock"
	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/mailbox"
	"fleet/internal/metrics"
	"fleet/internal/outputlog"
)

const (
	defaultMaxInstances       = 16
	defaultReadyTimeout       = 30 * time.Second
	defaultGracePeriod        = 10 * time.Second
	defaultOutputPollInterval = 500 * time.Millisecond
	defaultIdleAfter          = 5 * time.Second
)

type Options struct {
	Driver             driver.Driver
	Mailboxes          *mailbox.Store
	WorkspaceRoot      string
	MaxInstances       int
	ReadyTimeout       time.Duration
	GracePeriod        time.Duration
	OutputPollInterval time.Duration
	IdleAfter          time.Duration
	OutputLines        int
	Clock              clock.Clock
	Logger             *logging.Logger
	Bus                *event.Bus[event.InstanceEvent]
	Metrics            *metrics.Registry
}

// Registry is safe for concurrent use. Each instance has its own lock; no
// operation holds more than one instance lock except spawn, which locks a
// parent while linking a new child.
type Registry struct {
	driver       driver.Driver
	mailboxes    *mailbox.Store
	root         string
	maxInstances int64
	readyTimeout time.Duration
	grace        time.Duration
	pollInterval time.Duration
	idleAfter    time.Duration
	outputLines  int
	clock        clock.Clock
	logger       *logging.Logger
	bus          *event.Bus[event.InstanceEvent]
	metrics      *metrics.Registry

	entries sync.Map
	active  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

type entry struct {
	mu          sync.Mutex
	inst        instance.Instance
	children    []string
	handle      driver.Handle
	hasHandle   bool
	terminating bool
	failed      bool
	readyMarker string
	marker      driver.Marker
	lastOutput  time.Time
	stopWatch   context.CancelFunc

	// started closes when spawn finishes, successfully or not.
	started chan struct{}
	// done closes once the instance reached a terminal state.
	done chan struct{}

	inputMu sync.Mutex
	lines   *outputlog.Lines
}

func New(opts Options) (*Registry, error) {
	if opts.Driver == nil {
		return nil, errors.New("registry requires a session driver")
	}
	if opts.WorkspaceRoot == "" {
		return nil, errors.New("registry requires a workspace root")
	}
	if opts.Mailboxes == nil {
		opts.Mailboxes = mailbox.NewStore()
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = defaultMaxInstances
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.OutputPollInterval <= 0 {
		opts.OutputPollInterval = defaultOutputPollInterval
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = defaultIdleAfter
	}
	if opts.OutputLines <= 0 {
		opts.OutputLines = outputlog.DefaultMaxLines
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		driver:       opts.Driver,
		mailboxes:    opts.Mailboxes,
		root:         opts.WorkspaceRoot,
		maxInstances: int64(opts.MaxInstances),
		readyTimeout: opts.ReadyTimeout,
		grace:        opts.GracePeriod,
		pollInterval: opts.OutputPollInterval,
		idleAfter:    opts.IdleAfter,
		outputLines:  opts.OutputLines,
		clock:        clock.OrReal(opts.Clock),
		logger:       opts.Logger.Category("registry"),
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Mailboxes exposes the response queue store shared with the router.
func (r *Registry) Mailboxes() *mailbox.Store {
	return r.mailboxes
}

// Active counts instances holding a capacity slot.
func (r *Registry) Active() int {
	return int(r.active.Load())
}

func (r *Registry) MaxInstances() int {
	return int(r.maxInstances)
}

// Close stops output watchers. It does not terminate instances.
func (r *Registry) Close() {
	r.cancel()
	r.watchers.Wait()
}

func (r *Registry) lookup(id string) (*entry, error) {
	value, ok := r.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", instance.ErrNotFound, id)
	}
	return value.(*entry), nil
}

func (r *Registry) reserveSlot() bool {
	for {
		current := r.active.Load()
		if current >= r.maxInstances {
			return false
		}
		if r.active.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (r *Registry) releaseSlot() {
	r.active.Add(-1)
}

func (r *Registry) publish(evt event.InstanceEvent) {
	if r.bus == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.clock.Now().UTC()
	}
	r.bus.Publish(evt)
}

func (r *Registry) publishState(eventType string, inst instance.Instance, from instance.State, reason string, cause error) {
	evt := event.NewInstanceEvent(inst.ID, eventType)
	evt.ParentID = inst.ParentID
	evt.Name = inst.Name
	evt.From = string(from)
	evt.State = string(inst.State)
	evt.Reason = reason
	if cause != nil {
		evt.Error = cause.Error()
	}
	evt.OccurredAt = r.clock.Now().UTC()
	r.publish(evt)
}

func instanceFields(inst instance.Instance) map[string]string {
	fields := map[string]string{
		logging.FieldInstanceID: inst.ID,
		"name":                  inst.Name,
	}
	if inst.ParentID != "" {
		fields[logging.FieldParentID] = inst.ParentID
	}
	if inst.Role != "" {
		fields["role"] = inst.Role
	}
	return fields
}
