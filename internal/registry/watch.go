package registry

import (
	"context"
	"time"

	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/instance"
)

// watch polls one instance's output until its context ends. New output
// marks the instance busy; silence longer than idleAfter marks it idle; a
// session that disappears is terminated with outcome error.
func (r *Registry) watch(ctx context.Context, e *entry) {
	defer r.watchers.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.pollOutput(ctx, e) {
				return
			}
		}
	}
}

// pollOutput runs one watcher step and reports whether to keep watching.
func (r *Registry) pollOutput(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	if e.terminating || !e.hasHandle || e.inst.State.Terminal() {
		e.mu.Unlock()
		return false
	}
	handle, marker, id := e.handle, e.marker, e.inst.ID
	e.mu.Unlock()

	stepCtx, cancel := context.WithTimeout(ctx, r.pollInterval*4)
	defer cancel()

	out, err := r.driver.CaptureOutput(stepCtx, handle, marker)
	if err == nil && out.Text != "" {
		e.lines.Append([]byte(out.Text))
		now := r.clock.Now()
		e.mu.Lock()
		e.marker = out.Marker
		e.lastOutput = now
		e.inst.Counters.LastActivityAt = now.UTC()
		change := r.moveLocked(e, instance.StateBusy)
		e.mu.Unlock()
		r.publishChange(change)
		return true
	}
	if err == nil {
		e.mu.Lock()
		e.marker = out.Marker
		e.mu.Unlock()
	}

	if ctx.Err() != nil {
		return false
	}
	if !r.driver.IsAlive(stepCtx, handle) {
		if ctx.Err() != nil {
			return false
		}
		e.mu.Lock()
		terminating := e.terminating
		e.mu.Unlock()
		if !terminating {
			_, _ = r.Terminate(context.Background(), id, TerminateOptions{
				Outcome: instance.StateError,
				Reason:  "session exited",
				Cause:   driver.ErrSessionExited,
			})
		}
		return false
	}

	var change stateChange
	e.mu.Lock()
	if r.clock.Now().Sub(e.lastOutput) >= r.idleAfter {
		change = r.moveLocked(e, instance.StateIdle)
	}
	e.mu.Unlock()
	r.publishChange(change)
	return true
}

type stateChange struct {
	snapshot instance.Instance
	from     instance.State
	changed  bool
}

// moveLocked applies a non-terminal state change when it is legal and not a
// no-op. Callers hold e.mu and publish the result after unlocking.
func (r *Registry) moveLocked(e *entry, to instance.State) stateChange {
	from := e.inst.State
	if from == to || e.terminating || !instance.CanTransition(from, to) {
		return stateChange{}
	}
	e.inst.State = to
	return stateChange{snapshot: r.snapshotLocked(e), from: from, changed: true}
}

func (r *Registry) publishChange(change stateChange) {
	if !change.changed {
		return
	}
	r.publishState(event.TypeInstanceState, change.snapshot, change.from, "", nil)
}
