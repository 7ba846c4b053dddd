package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet/internal/config"
	"fleet/internal/driver"
	"fleet/internal/eventlog"
	"fleet/internal/instance"
	"fleet/internal/metrics"
	"fleet/internal/router"
	"fleet/internal/runner/launchspec"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Registry.WorkspaceRoot = t.TempDir()
	cfg.Registry.ReadyTimeout = time.Second
	cfg.Registry.GracePeriod = 50 * time.Millisecond
	cfg.Registry.OutputPollInterval = 5 * time.Millisecond
	cfg.Registry.IdleAfter = time.Hour
	cfg.Governor.Enabled = false
	return cfg
}

func newOrchestrator(t *testing.T, cfg config.Config, d driver.Driver) *Orchestrator {
	t.Helper()
	o, err := New(Options{Config: cfg, Driver: d, Metrics: &metrics.Registry{}})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func spawn(t *testing.T, o *Orchestrator, cfg instance.SpawnConfig) string {
	t.Helper()
	id, err := o.Spawn(context.Background(), cfg)
	require.NoError(t, err)
	return id
}

func TestParentReceivesCorrelatedReply(t *testing.T) {
	fake := driver.NewFake()
	o := newOrchestrator(t, testConfig(t), fake)
	parent := spawn(t, o, instance.SpawnConfig{Name: "parent"})
	child := spawn(t, o, instance.SpawnConfig{Name: "child", ParentID: parent})

	fake.OnInput(func(h driver.Handle, text string) {
		id, content, ok := router.ParsePayload(text)
		if !ok || string(h) != child || content != "ping" {
			return
		}
		go func() {
			_, _ = o.Reply(router.ReplyRequest{ResponderID: child, Content: "pong", CorrelationID: id})
		}()
	})

	result, err := o.Send(context.Background(), router.SendRequest{
		SenderID:     parent,
		RecipientID:  child,
		Content:      "ping",
		WaitForReply: true,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, router.StatusReplied, result.Status)
	require.Equal(t, "pong", result.Reply)
	require.Equal(t, child, result.ReplyFrom)
}

func TestGovernorSweepEndsInstanceOverCostLimit(t *testing.T) {
	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	id := spawn(t, o, instance.SpawnConfig{
		Name:   "spender",
		Limits: instance.LimitsConfig{MaxCost: 1.0},
	})
	require.NoError(t, o.RecordUsage(id, instance.Usage{Cost: 1.5}))

	actions := o.Sweep(context.Background())
	require.Len(t, actions, 1)

	inst, err := o.Status(id)
	require.NoError(t, err)
	require.Equal(t, instance.StateError, inst.State)
	require.False(t, inst.TerminatedAt.IsZero())
}

func TestBroadcastRepliesReachParent(t *testing.T) {
	fake := driver.NewFake()
	o := newOrchestrator(t, testConfig(t), fake)
	parent := spawn(t, o, instance.SpawnConfig{Name: "parent"})
	c1 := spawn(t, o, instance.SpawnConfig{Name: "c1", ParentID: parent})
	c2 := spawn(t, o, instance.SpawnConfig{Name: "c2", ParentID: parent})

	fake.OnInput(func(h driver.Handle, text string) {
		id, content, ok := router.ParsePayload(text)
		if !ok || content != "start" {
			return
		}
		responder := string(h)
		go func() {
			_, _ = o.Reply(router.ReplyRequest{ResponderID: responder, Content: "started", CorrelationID: id})
		}()
	})

	delivered, err := o.Broadcast(context.Background(), parent, "start")
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	senders := map[string]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for len(senders) < 2 && time.Now().Before(deadline) {
		replies, err := o.PollReplies(context.Background(), parent, 200*time.Millisecond)
		require.NoError(t, err)
		for _, reply := range replies {
			require.Equal(t, "started", reply.Content)
			senders[reply.SenderID] = true
		}
	}
	require.Equal(t, map[string]bool{c1: true, c2: true}, senders)
}

func TestQueriesReflectHierarchy(t *testing.T) {
	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	root := spawn(t, o, instance.SpawnConfig{Name: "root"})
	child := spawn(t, o, instance.SpawnConfig{Name: "child", ParentID: root})
	spawn(t, o, instance.SpawnConfig{Name: "grandchild", ParentID: child})

	children, err := o.GetChildren(root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, child, children[0].ID)

	tree, err := o.Tree(root)
	require.NoError(t, err)
	require.Equal(t, 3, tree.Size())

	summary := o.Summary()
	require.Equal(t, 3, summary.Active)

	ok, err := o.Terminate(context.Background(), root, false)
	require.NoError(t, err)
	require.True(t, ok)
	summary = o.Summary()
	require.Equal(t, 0, summary.Active)
	require.Equal(t, 3, summary.ByState[instance.StateTerminated])

	ok, err = o.Terminate(context.Background(), root, false)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = o.Status("missing")
	require.ErrorIs(t, err, instance.ErrNotFound)
}

func TestSpawnManifestNestsChildren(t *testing.T) {
	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	manifest, err := config.DecodeManifest([]byte(`
instances:
  - name: lead
    children:
      - name: worker-a
      - name: worker-b
        children:
          - name: helper
`))
	require.NoError(t, err)

	ids, err := o.SpawnManifest(context.Background(), manifest)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	lead, err := o.Status(ids[0])
	require.NoError(t, err)
	require.Empty(t, lead.ParentID)
	require.ElementsMatch(t, []string{ids[1], ids[2]}, lead.Children)

	helper, err := o.Status(ids[3])
	require.NoError(t, err)
	require.Equal(t, ids[2], helper.ParentID)
}

type failingStarts struct {
	*driver.Fake
	remaining atomic.Int64
}

func (d *failingStarts) Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (driver.Handle, error) {
	if d.remaining.Add(-1) < 0 {
		return "", errors.New("no more sessions")
	}
	return d.Fake.Start(ctx, workspace, spec)
}

func TestSpawnManifestRollsBackOnFailure(t *testing.T) {
	d := &failingStarts{Fake: driver.NewFake()}
	d.remaining.Store(2)
	o := newOrchestrator(t, testConfig(t), d)
	manifest := config.Manifest{Instances: []config.ManifestEntry{
		{SpawnConfig: instance.SpawnConfig{Name: "one"}, Children: []config.ManifestEntry{
			{SpawnConfig: instance.SpawnConfig{Name: "two"}},
		}},
		{SpawnConfig: instance.SpawnConfig{Name: "three"}},
	}}

	_, err := o.SpawnManifest(context.Background(), manifest)
	require.ErrorIs(t, err, instance.ErrDriverStartFailed)
	require.Contains(t, err.Error(), "three")
	require.Equal(t, 0, o.Summary().Active)
}

func TestSpawnManifestChecksCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.MaxInstances = 2
	o := newOrchestrator(t, cfg, driver.NewFake())
	manifest := config.Manifest{Instances: []config.ManifestEntry{
		{SpawnConfig: instance.SpawnConfig{Name: "a"}},
		{SpawnConfig: instance.SpawnConfig{Name: "b"}},
		{SpawnConfig: instance.SpawnConfig{Name: "c"}},
	}}
	_, err := o.SpawnManifest(context.Background(), manifest)
	require.ErrorIs(t, err, instance.ErrCapacityExceeded)
	require.Equal(t, 0, o.Summary().Total)
}

func TestApplyConfigUpdatesLoops(t *testing.T) {
	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	require.False(t, o.SupervisionRunning())

	next := o.Config()
	next.Supervisor.Enabled = true
	next.Supervisor.Cooldown = 3 * time.Second
	next.Supervisor.HelperName = "medic"
	next.Governor.Enabled = true
	next.Log.Level = "debug"
	sections := config.ChangedSections(o.Config(), next)
	require.Equal(t, []string{config.SectionGovernor, config.SectionSupervisor, config.SectionLog}, sections)

	require.NoError(t, o.ApplyConfig(context.Background(), next, sections))
	require.True(t, o.SupervisionRunning())
	require.True(t, o.governor.Running())
	require.Equal(t, 3*time.Second, o.supervisor.Settings().Cooldown)
	require.NotNil(t, o.supervisor.Settings().Helper)
	require.Equal(t, "debug", o.Config().Log.Level)

	disabled := o.Config()
	disabled.Supervisor.Enabled = false
	require.NoError(t, o.ApplyConfig(context.Background(), disabled, []string{config.SectionSupervisor}))
	require.False(t, o.SupervisionRunning())

	bad := o.Config()
	bad.Supervisor.ErrorPatterns = []string{"("}
	require.ErrorIs(t, o.ApplyConfig(context.Background(), bad, []string{config.SectionSupervisor}), instance.ErrInvalidConfig)
}

func TestSupervisionToggle(t *testing.T) {
	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	require.True(t, o.StartSupervision(context.Background()))
	require.False(t, o.StartSupervision(context.Background()))
	require.True(t, o.StopSupervision())
	require.False(t, o.StopSupervision())
	require.Empty(t, o.GetInterventions("nobody"))
	require.False(t, o.ClearEscalation("nobody"))
}

func TestShutdownTerminatesEverything(t *testing.T) {
	fake := driver.NewFake()
	o, err := New(Options{Config: testConfig(t), Driver: fake, Metrics: &metrics.Registry{}})
	require.NoError(t, err)
	root := spawn(t, o, instance.SpawnConfig{Name: "root"})
	child := spawn(t, o, instance.SpawnConfig{Name: "child", ParentID: root})
	o.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	require.NoError(t, o.Shutdown(ctx))

	for _, id := range []string{root, child} {
		inst, err := o.Status(id)
		require.NoError(t, err)
		require.True(t, inst.Terminal())
	}
	require.Equal(t, 0, fake.Alive())
}

func TestEventsRecordedToLog(t *testing.T) {
	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	sink, err := eventlog.New(eventlog.Options{Writer: writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})})
	require.NoError(t, err)

	o := newOrchestrator(t, testConfig(t), driver.NewFake())
	o.Events().Record(sink)
	id := spawn(t, o, instance.SpawnConfig{Name: "logged"})
	_, err = o.Send(context.Background(), router.SendRequest{SenderID: o.CoordinatorID(), RecipientID: id, Content: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		text := buf.String()
		return strings.Contains(text, `"instance_spawned"`) && strings.Contains(text, `"message_sent"`)
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, sink.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Driver = "screen"
	_, err := New(Options{Config: cfg})
	require.ErrorIs(t, err, instance.ErrInvalidConfig)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
