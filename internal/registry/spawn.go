package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
	"fleet/internal/outputlog"
	"fleet/internal/runner/launchspec"
)

// Spawn starts a new instance and returns its id once it is running. Any
// failure leaves no trace: no registered id, workspace, queue or slot.
func (r *Registry) Spawn(ctx context.Context, cfg instance.SpawnConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if !r.reserveSlot() {
		return "", fmt.Errorf("%w: limit %d", instance.ErrCapacityExceeded, r.maxInstances)
	}

	id := uuid.NewString()
	workspace := filepath.Join(r.root, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		r.releaseSlot()
		return "", fmt.Errorf("create workspace: %w", err)
	}
	r.mailboxes.Open(id)

	now := r.clock.Now().UTC()
	e := &entry{
		inst: instance.Instance{
			ID:        id,
			Name:      strings.TrimSpace(cfg.Name),
			Role:      strings.TrimSpace(cfg.Role),
			Kind:      cfg.KindOrDefault(),
			State:     instance.StateInitializing,
			ParentID:  strings.TrimSpace(cfg.ParentID),
			Workspace: workspace,
			CreatedAt: now,
			Limits:    cfg.ToLimits(),
		},
		started: make(chan struct{}),
		done:    make(chan struct{}),
		lines:   outputlog.NewLines(r.outputLines),
	}

	if err := r.register(e); err != nil {
		r.discard(id, workspace)
		return "", err
	}

	launch := cfg.ToLaunchSpec(id, r.readyTimeout)
	e.mu.Lock()
	e.readyMarker = launch.ReadyMarker
	e.mu.Unlock()

	handle, err := r.driver.Start(ctx, workspace, launch)
	if err != nil {
		failed := r.snapshotWithState(e, instance.StateError)
		r.publishState(event.TypeSpawnFailed, failed, instance.StateInitializing, "driver start failed", err)
		r.rollback(e)
		r.logger.Warn("instance spawn failed", withError(instanceFields(failed), err))
		return "", fmt.Errorf("%w: %w", instance.ErrDriverStartFailed, err)
	}

	e.mu.Lock()
	e.handle = handle
	e.hasHandle = true
	e.mu.Unlock()

	if err := r.waitReady(ctx, e, launch); err != nil {
		return "", r.abortSpawn(e, "not ready", err)
	}

	e.mu.Lock()
	if e.terminating {
		e.mu.Unlock()
		return "", r.abortSpawn(e, "terminated while starting", r.terminatedWhileStarting(e))
	}
	e.inst.State = instance.StateRunning
	e.inst.Counters.LastActivityAt = r.clock.Now().UTC()
	e.lastOutput = r.clock.Now()
	watchCtx, stopWatch := context.WithCancel(r.ctx)
	e.stopWatch = stopWatch
	running := r.snapshotLocked(e)
	e.mu.Unlock()
	close(e.started)

	r.watchers.Add(1)
	go r.watch(watchCtx, e)

	r.metrics.IncSpawned()
	r.publishState(event.TypeInstanceSpawned, running, instance.StateInitializing, "", nil)
	r.logger.Info("instance spawned", instanceFields(running))

	if launch.InitialInput != "" {
		if err := r.SendInput(ctx, id, launch.InitialInput); err != nil {
			r.logger.Warn("initial input failed", withError(instanceFields(running), err))
		}
	}
	return id, nil
}

// register stores e and links it to its parent under the parent's lock.
func (r *Registry) register(e *entry) error {
	parentID := e.inst.ParentID
	if parentID == "" {
		r.entries.Store(e.inst.ID, e)
		return nil
	}
	parent, err := r.lookup(parentID)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	switch {
	case parent.terminating || parent.inst.State.Terminal():
		return fmt.Errorf("%w: %s", instance.ErrParentTerminating, parentID)
	case parent.inst.State == instance.StateInitializing:
		return fmt.Errorf("%w: %s", instance.ErrParentNotReady, parentID)
	}
	r.entries.Store(e.inst.ID, e)
	parent.children = append(parent.children, e.inst.ID)
	return nil
}

// waitReady polls output until the ready marker shows up, or only for
// liveness when the launch spec has no marker.
func (r *Registry) waitReady(ctx context.Context, e *entry, launch launchspec.LaunchSpec) error {
	timeout := launch.ReadyTimeout
	if timeout <= 0 {
		timeout = r.readyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(r.readyPollInterval(timeout))
	defer ticker.Stop()

	var seen strings.Builder
	for {
		e.mu.Lock()
		handle, marker, terminating := e.handle, e.marker, e.terminating
		e.mu.Unlock()
		if terminating {
			return nil
		}

		out, err := r.driver.CaptureOutput(readyCtx, handle, marker)
		if err == nil && out.Text != "" {
			e.lines.Append([]byte(out.Text))
			seen.WriteString(outputlog.StripANSI(out.Text))
		}
		if err == nil {
			e.mu.Lock()
			e.marker = out.Marker
			e.mu.Unlock()
		}
		if launch.ReadyMarker == "" || strings.Contains(seen.String(), launch.ReadyMarker) {
			if r.driver.IsAlive(readyCtx, handle) {
				return nil
			}
		}
		if readyCtx.Err() == nil && !r.driver.IsAlive(readyCtx, handle) {
			return fmt.Errorf("%w: %w", instance.ErrDriverStartFailed, driver.ErrSessionExited)
		}

		select {
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: no ready signal after %s", instance.ErrReadyTimeout, timeout)
		case <-ticker.C:
		}
	}
}

func (r *Registry) readyPollInterval(timeout time.Duration) time.Duration {
	interval := r.pollInterval
	if interval > timeout/4 && timeout > 0 {
		interval = timeout / 4
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// terminatedWhileStarting reports why a spawn lost to a concurrent Terminate.
func (r *Registry) terminatedWhileStarting(e *entry) error {
	parentID := e.inst.ParentID
	if parentID != "" {
		if parent, err := r.lookup(parentID); err == nil {
			parent.mu.Lock()
			ending := parent.terminating || parent.inst.State.Terminal()
			parent.mu.Unlock()
			if ending {
				return fmt.Errorf("%w: %s", instance.ErrParentTerminating, parentID)
			}
		}
	}
	return fmt.Errorf("%w: terminated while starting", instance.ErrInvalidTransition)
}

// abortSpawn forces the session down and rolls the spawn back. A Terminate
// waiting on the spawn sees it failed and returns.
func (r *Registry) abortSpawn(e *entry, reason string, cause error) error {
	state := instance.StateError
	if errors.Is(cause, instance.ErrReadyTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		state = instance.StateTimeout
	}
	failed := r.snapshotWithState(e, state)
	r.publishState(event.TypeSpawnFailed, failed, instance.StateInitializing, reason, cause)

	e.mu.Lock()
	handle := e.handle
	e.hasHandle = false
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.grace)
	if err := r.driver.Shutdown(ctx, handle, false); err != nil {
		r.logger.Warn("forced shutdown after failed spawn", withError(instanceFields(failed), err))
	}
	cancel()

	r.rollback(e)
	r.logger.Warn("instance spawn failed", withError(instanceFields(failed), cause))
	if errors.Is(cause, instance.ErrReadyTimeout) || errors.Is(cause, instance.ErrDriverStartFailed) {
		return cause
	}
	if errors.Is(cause, instance.ErrParentTerminating) {
		return fmt.Errorf("%w: spawn %s", cause, e.inst.ID)
	}
	return fmt.Errorf("spawn %s: %w", e.inst.ID, cause)
}

// rollback removes every trace of a failed spawn and releases waiters.
func (r *Registry) rollback(e *entry) {
	e.mu.Lock()
	id, parentID, workspace := e.inst.ID, e.inst.ParentID, e.inst.Workspace
	e.failed = true
	e.inst.State = instance.StateError
	e.mu.Unlock()

	r.entries.Delete(id)
	r.unlinkChild(parentID, id)
	r.discard(id, workspace)
	r.metrics.IncSpawnFailed()
	close(e.started)
	close(e.done)
}

// discard releases the resources allocated before registration.
func (r *Registry) discard(id, workspace string) {
	r.mailboxes.Remove(id)
	if err := os.RemoveAll(workspace); err != nil {
		r.logger.Warn("remove workspace failed", map[string]string{
			logging.FieldInstanceID: id,
			logging.FieldError:      err.Error(),
		})
	}
	r.releaseSlot()
}

func (r *Registry) unlinkChild(parentID, childID string) {
	if parentID == "" {
		return
	}
	parent, err := r.lookup(parentID)
	if err != nil {
		return
	}
	parent.mu.Lock()
	parent.children = removeID(parent.children, childID)
	parent.mu.Unlock()
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func withError(fields map[string]string, err error) map[string]string {
	if err != nil {
		fields[logging.FieldError] = err.Error()
	}
	return fields
}
