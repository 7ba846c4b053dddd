package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet/internal/clock"
	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/metrics"
	"fleet/internal/registry"
)

type fixture struct {
	reg    *registry.Registry
	gov    *Governor
	clock  *clock.Manual
	events <-chan event.InstanceEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := event.NewBus[event.InstanceEvent](context.Background(), event.BusOptions{
		Name:                 "instances",
		SubscriberBufferSize: 256,
		Registry:             &metrics.Registry{},
	})
	t.Cleanup(bus.Close)
	events, _ := bus.Subscribe()
	reg, err := registry.New(registry.Options{
		Driver:             driver.NewFake(),
		WorkspaceRoot:      t.TempDir(),
		MaxInstances:       8,
		ReadyTimeout:       time.Second,
		GracePeriod:        50 * time.Millisecond,
		OutputPollInterval: 5 * time.Millisecond,
		IdleAfter:          time.Hour,
		Clock:              manual,
		Bus:                bus,
		Metrics:            &metrics.Registry{},
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	gov, err := New(Options{Instances: reg, Interval: 10 * time.Millisecond, Clock: manual, Metrics: &metrics.Registry{}})
	require.NoError(t, err)
	t.Cleanup(gov.Stop)
	return &fixture{reg: reg, gov: gov, clock: manual, events: events}
}

func (f *fixture) spawn(t *testing.T, name, parentID string, limits instance.LimitsConfig) string {
	t.Helper()
	id, err := f.reg.Spawn(context.Background(), instance.SpawnConfig{Name: name, ParentID: parentID, Limits: limits})
	require.NoError(t, err)
	return id
}

func TestSweepTerminatesIdleTimeout(t *testing.T) {
	f := newFixture(t)
	idle := f.spawn(t, "idle", "", instance.LimitsConfig{TimeoutDuration: instance.Duration(30 * time.Second)})
	fresh := f.spawn(t, "fresh", "", instance.LimitsConfig{TimeoutDuration: instance.Duration(time.Hour)})

	require.Empty(t, f.gov.Sweep(context.Background()))

	f.clock.Advance(31 * time.Second)
	actions := f.gov.Sweep(context.Background())
	require.Len(t, actions, 1)
	require.Equal(t, idle, actions[0].InstanceID)
	require.Equal(t, instance.StateTimeout, actions[0].Outcome)

	inst, err := f.reg.Status(idle)
	require.NoError(t, err)
	require.Equal(t, instance.StateTimeout, inst.State)
	require.Equal(t, ReasonIdleTimeout, inst.Reason)

	inst, err = f.reg.Status(fresh)
	require.NoError(t, err)
	require.True(t, inst.State.Active())
}

func TestSweepTerminatesOverLimit(t *testing.T) {
	f := newFixture(t)
	tokens := f.spawn(t, "tokens", "", instance.LimitsConfig{MaxTokens: 100})
	cost := f.spawn(t, "cost", "", instance.LimitsConfig{MaxCost: 1.5})
	atLimit := f.spawn(t, "at-limit", "", instance.LimitsConfig{MaxTokens: 100})

	require.NoError(t, f.reg.RecordUsage(tokens, instance.Usage{Tokens: 101}))
	require.NoError(t, f.reg.RecordUsage(cost, instance.Usage{Cost: 2}))
	require.NoError(t, f.reg.RecordUsage(atLimit, instance.Usage{Tokens: 100}))

	actions := f.gov.Sweep(context.Background())
	require.Len(t, actions, 2)
	for _, action := range actions {
		require.Equal(t, instance.StateError, action.Outcome)
		require.Equal(t, ReasonLimitExceeded, action.Reason)
	}

	evt := event.WaitFor(t, f.events, time.Second, func(evt event.InstanceEvent) bool {
		return evt.Type() == event.TypeInstanceTerminated && evt.InstanceID == tokens
	})
	require.Contains(t, evt.Error, instance.ErrLimitExceeded.Error())
	require.Contains(t, evt.Error, "max_tokens")

	inst, err := f.reg.Status(atLimit)
	require.NoError(t, err)
	require.True(t, inst.State.Active())
}

func TestSweepPrefersTimeoutOverLimit(t *testing.T) {
	f := newFixture(t)
	id := f.spawn(t, "both", "", instance.LimitsConfig{MaxTokens: 1, TimeoutDuration: instance.Duration(time.Second)})
	require.NoError(t, f.reg.RecordUsage(id, instance.Usage{Tokens: 5}))
	f.clock.Advance(2 * time.Second)

	actions := f.gov.Sweep(context.Background())
	require.Len(t, actions, 1)
	require.Equal(t, instance.StateTimeout, actions[0].Outcome)
}

func TestSweepSkipsDescendantsOfTerminatedParent(t *testing.T) {
	f := newFixture(t)
	parent := f.spawn(t, "parent", "", instance.LimitsConfig{TimeoutDuration: instance.Duration(time.Second)})
	child := f.spawn(t, "child", parent, instance.LimitsConfig{TimeoutDuration: instance.Duration(time.Second)})
	f.clock.Advance(5 * time.Second)

	actions := f.gov.Sweep(context.Background())
	require.Len(t, actions, 1)
	require.Equal(t, parent, actions[0].InstanceID)

	inst, err := f.reg.Status(child)
	require.NoError(t, err)
	require.True(t, inst.State.Terminal())
}

func TestUsageKeepsInstanceAlive(t *testing.T) {
	f := newFixture(t)
	id := f.spawn(t, "worker", "", instance.LimitsConfig{TimeoutDuration: instance.Duration(30 * time.Second)})

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.reg.RecordUsage(id, instance.Usage{Requests: 1}))
	f.clock.Advance(20 * time.Second)
	require.Empty(t, f.gov.Sweep(context.Background()))
}

func TestStartStopLoop(t *testing.T) {
	f := newFixture(t)
	id := f.spawn(t, "worker", "", instance.LimitsConfig{MaxTokens: 10})

	f.gov.Start(context.Background())
	require.True(t, f.gov.Running())
	f.gov.Start(context.Background())

	require.NoError(t, f.reg.RecordUsage(id, instance.Usage{Tokens: 11}))
	require.Eventually(t, func() bool {
		inst, err := f.reg.Status(id)
		return err == nil && inst.State == instance.StateError
	}, time.Second, 5*time.Millisecond)

	f.gov.Stop()
	require.False(t, f.gov.Running())
	f.gov.Stop()
}
