// Package supervisor infers instance health from activity and output and
// applies a bounded ladder of remediations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fleet/internal/clock"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/outputlog"
	"fleet/internal/router"
)

type Issue string

const (
	IssueHealthy   Issue = "healthy"
	IssueBlocked   Issue = "blocked"
	IssueWaiting   Issue = "waiting"
	IssueErrorLoop Issue = "error_loop"
)

type Action string

const (
	ActionStatusCheck     Action = "status_check"
	ActionProvideGuidance Action = "provide_guidance"
	ActionSpawnHelper     Action = "spawn_helper"
	ActionEscalate        Action = "escalate"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Intervention is one recorded supervisor action.
type Intervention struct {
	InstanceID string    `json:"instance_id"`
	Issue      Issue     `json:"issue"`
	Action     Action    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Instances is the registry surface the supervisor observes and acts through.
type Instances interface {
	ListActive() []instance.Instance
	Status(id string) (instance.Instance, error)
	Output(id string, afterSeq uint64) ([]outputlog.Line, error)
	Spawn(ctx context.Context, cfg instance.SpawnConfig) (string, error)
}

// Messenger is the router surface the supervisor uses.
type Messenger interface {
	Send(ctx context.Context, req router.SendRequest) (router.SendResult, error)
	Outstanding(id string) int
	SupervisorID() string
}

type Options struct {
	Instances Instances
	Messenger Messenger
	Settings  Settings
	// Concurrency bounds how many instances one cycle evaluates at once.
	Concurrency int
	Clock       clock.Clock
	Logger      *logging.Logger
	Bus         *event.Bus[event.InterventionEvent]
	Metrics     *metrics.Registry
}

// Assessment is the classification of one instance in one cycle.
type Assessment struct {
	InstanceID string
	Issue      Issue
	Idle       time.Duration
	Signature  string
}

type Supervisor struct {
	instances   Instances
	messenger   Messenger
	concurrency int
	clock       clock.Clock
	logger      *logging.Logger
	bus         *event.Bus[event.InterventionEvent]
	metrics     *metrics.Registry

	mu       sync.Mutex
	settings Settings
	patterns []*regexp.Regexp
	watched  map[string]*watchState
	records  []Intervention
	cancel   context.CancelFunc
	done     chan struct{}

	cycleMu sync.Mutex
}

// watchState is the per-instance memory between cycles. Its fields are
// guarded by mu.
type watchState struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	count         int
	lastSeq       uint64
	window        signatureWindow
	done          map[Action]bool
	failed        map[Action]bool
	escalated     bool
	helperSpawned bool
	lastIssue     Issue
}

func New(opts Options) (*Supervisor, error) {
	if opts.Instances == nil {
		return nil, errors.New("supervisor requires an instance registry")
	}
	if opts.Messenger == nil {
		return nil, errors.New("supervisor requires a message router")
	}
	settings := opts.Settings.withDefaults()
	patterns, err := settings.compile()
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	return &Supervisor{
		instances:   opts.Instances,
		messenger:   opts.Messenger,
		concurrency: opts.Concurrency,
		clock:       clock.OrReal(opts.Clock),
		logger:      opts.Logger.Category("supervisor"),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		settings:    settings,
		patterns:    patterns,
		watched:     make(map[string]*watchState),
	}, nil
}

// Settings returns the settings in effect.
func (s *Supervisor) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings swaps the settings in effect. Cooldown changes apply to
// existing per-instance limiters immediately.
func (s *Supervisor) UpdateSettings(settings Settings) error {
	settings = settings.withDefaults()
	patterns, err := settings.compile()
	if err != nil {
		return err
	}
	now := s.clock.Now()
	s.mu.Lock()
	s.settings = settings
	s.patterns = patterns
	states := make([]*watchState, 0, len(s.watched))
	for _, state := range s.watched {
		states = append(states, state)
	}
	s.mu.Unlock()
	for _, state := range states {
		state.mu.Lock()
		state.limiter.SetLimitAt(now, cooldownLimit(settings.Cooldown))
		state.mu.Unlock()
	}
	s.logger.Info("supervisor settings updated", map[string]string{
		"interval":        settings.Interval.String(),
		"stuck_threshold": settings.StuckThreshold.String(),
		"cooldown":        settings.Cooldown.String(),
	})
	return nil
}

func cooldownLimit(cooldown time.Duration) rate.Limit {
	if cooldown <= 0 {
		return rate.Inf
	}
	return rate.Every(cooldown)
}

func (s *Supervisor) current() (Settings, []*regexp.Regexp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.patterns
}

func (s *Supervisor) state(id string, settings Settings) *watchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.watched[id]
	if !ok {
		state = &watchState{
			limiter: rate.NewLimiter(cooldownLimit(settings.Cooldown), 1),
			done:    make(map[Action]bool),
			failed:  make(map[Action]bool),
		}
		s.watched[id] = state
	}
	return state
}

// forget drops per-instance state for instances that are no longer active.
// Intervention records are kept.
func (s *Supervisor) forget(active map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.watched {
		if !active[id] {
			delete(s.watched, id)
		}
	}
}

// Evaluate runs one supervision cycle over every active instance and
// returns the interventions it attempted.
func (s *Supervisor) Evaluate(ctx context.Context) []Intervention {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	s.metrics.IncSupervisionCycle()

	settings, patterns := s.current()
	instances := s.instances.ListActive()
	active := make(map[string]bool, len(instances))
	for _, inst := range instances {
		active[inst.ID] = true
	}
	s.forget(active)

	var (
		mu    sync.Mutex
		taken []Intervention
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for _, inst := range instances {
		inst := inst
		group.Go(func() error {
			records := s.evaluateInstance(groupCtx, inst, settings, patterns)
			if len(records) > 0 {
				mu.Lock()
				taken = append(taken, records...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	sort.SliceStable(taken, func(i, j int) bool {
		return taken[i].Timestamp.Before(taken[j].Timestamp)
	})
	return taken
}

func (s *Supervisor) evaluateInstance(ctx context.Context, inst instance.Instance, settings Settings, patterns []*regexp.Regexp) []Intervention {
	state := s.state(inst.ID, settings)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := s.clock.Now()
	s.ingestOutput(inst.ID, state, settings, patterns, now)
	if state.escalated {
		return nil
	}
	assessment := s.classify(inst, state, settings, now)
	if assessment.Issue != state.lastIssue {
		s.logger.Debug("instance health changed", map[string]string{
			logging.FieldInstanceID: inst.ID,
			"from":                  string(state.lastIssue),
			"issue":                 string(assessment.Issue),
		})
	}
	state.lastIssue = assessment.Issue

	switch assessment.Issue {
	case IssueHealthy:
		// Activity resumed: the blocked ladder starts over next time.
		delete(state.done, ActionStatusCheck)
		delete(state.done, ActionProvideGuidance)
		return nil
	case IssueWaiting:
		return nil
	}

	action := nextAction(assessment.Issue, state, settings)
	if err := s.admit(inst.ID, state, settings, now); err != nil {
		s.logger.Info("intervention declined", map[string]string{
			logging.FieldInstanceID: inst.ID,
			"issue":                 string(assessment.Issue),
			"action":                string(action),
			logging.FieldError:      err.Error(),
		})
		return nil
	}
	record := s.intervene(ctx, inst, assessment, action, state, settings)
	return []Intervention{record}
}

// ingestOutput records failure signatures from output lines not seen before.
func (s *Supervisor) ingestOutput(id string, state *watchState, settings Settings, patterns []*regexp.Regexp, now time.Time) {
	lines, err := s.instances.Output(id, state.lastSeq)
	if err == nil {
		for _, line := range lines {
			state.lastSeq = line.Seq
			if matchesAny(patterns, line.Text) {
				state.window.add(Signature(line.Text), now)
			}
		}
	}
	state.window.prune(now.Add(-settings.ErrorLookback))
}

func (s *Supervisor) classify(inst instance.Instance, state *watchState, settings Settings, now time.Time) Assessment {
	assessment := Assessment{InstanceID: inst.ID, Issue: IssueHealthy}
	if !inst.Counters.LastActivityAt.IsZero() {
		assessment.Idle = now.Sub(inst.Counters.LastActivityAt)
	}
	stuck := assessment.Idle > settings.StuckThreshold
	outstanding := s.messenger.Outstanding(inst.ID) > 0
	switch {
	case stuck && !outstanding:
		assessment.Issue = IssueBlocked
		return assessment
	case (stuck || inst.State == instance.StateIdle) && outstanding:
		assessment.Issue = IssueWaiting
		return assessment
	}
	if signature, _, ok := state.window.repeated(settings.ErrorLoopThreshold); ok {
		assessment.Issue = IssueErrorLoop
		assessment.Signature = signature
	}
	return assessment
}

// Classify reports how id would be classified right now without acting.
func (s *Supervisor) Classify(id string) (Assessment, error) {
	inst, err := s.instances.Status(id)
	if err != nil {
		return Assessment{}, err
	}
	settings, patterns := s.current()
	state := s.state(id, settings)
	state.mu.Lock()
	defer state.mu.Unlock()
	now := s.clock.Now()
	s.ingestOutput(id, state, settings, patterns, now)
	return s.classify(inst, state, settings, now), nil
}

// nextAction walks the remediation ladder for issue. A failed action is
// never retried; the ladder ends in escalation.
func nextAction(issue Issue, state *watchState, settings Settings) Action {
	switch issue {
	case IssueBlocked:
		switch {
		case state.failed[ActionStatusCheck]:
			return ActionEscalate
		case !state.done[ActionStatusCheck]:
			return ActionStatusCheck
		case !state.done[ActionProvideGuidance] && !state.failed[ActionProvideGuidance]:
			return ActionProvideGuidance
		}
	case IssueErrorLoop:
		if settings.Helper != nil && !state.helperSpawned && !state.failed[ActionSpawnHelper] {
			return ActionSpawnHelper
		}
	}
	return ActionEscalate
}

// admit applies the per-instance cap and cooldown.
func (s *Supervisor) admit(id string, state *watchState, settings Settings, now time.Time) error {
	if state.count >= settings.MaxInterventions {
		return fmt.Errorf("%w: %d interventions already recorded", instance.ErrInterventionRateLimited, state.count)
	}
	if !state.limiter.AllowN(now, 1) {
		return fmt.Errorf("%w: cooldown in effect", instance.ErrInterventionRateLimited)
	}
	state.count++
	return nil
}

// Interventions returns recorded interventions for id, or all of them when
// id is empty.
func (s *Supervisor) Interventions(id string) []Intervention {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return append([]Intervention(nil), s.records...)
	}
	var out []Intervention
	for _, record := range s.records {
		if record.InstanceID == id {
			out = append(out, record)
		}
	}
	return out
}

// Escalated reports whether id is frozen awaiting ClearEscalation.
func (s *Supervisor) Escalated(id string) bool {
	s.mu.Lock()
	state, ok := s.watched[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.escalated
}

// ClearEscalation unfreezes id and restarts its ladder. The intervention
// cap still counts earlier records.
func (s *Supervisor) ClearEscalation(id string) bool {
	s.mu.Lock()
	state, ok := s.watched[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.escalated {
		return false
	}
	state.escalated = false
	state.done = make(map[Action]bool)
	state.failed = make(map[Action]bool)
	state.window.reset()
	s.logger.Info("escalation cleared", map[string]string{logging.FieldInstanceID: id})
	return true
}

// Start runs Evaluate every settings interval until Stop or ctx ends.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.settings.Interval, s.done)
	s.logger.Info("supervision started", map[string]string{"interval": s.settings.Interval.String()})
	return true
}

func (s *Supervisor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx)
			if next := s.Settings().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight cycle.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	s.logger.Info("supervision stopped", nil)
	return true
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
