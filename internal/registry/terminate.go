package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"fleet/internal/driver"
	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/logging"
)

// TerminateOptions control one termination. Outcome defaults to
// instance.StateTerminated and must be a terminal state.
type TerminateOptions struct {
	Force   bool
	Outcome instance.State
	Reason  string
	// Cause is recorded on the terminated event.
	Cause error
}

// Terminate ends an instance and, first, its whole subtree. It is idempotent:
// an instance that is already terminal reports true. Concurrent calls for the
// same id wait for the first one to finish.
func (r *Registry) Terminate(ctx context.Context, id string, opts TerminateOptions) (bool, error) {
	if opts.Outcome == "" {
		opts.Outcome = instance.StateTerminated
	}
	if !opts.Outcome.Terminal() {
		return false, fmt.Errorf("%w: outcome %s is not terminal", instance.ErrInvalidTransition, opts.Outcome)
	}
	e, err := r.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.inst.State.Terminal() && !e.terminating {
		e.mu.Unlock()
		return true, nil
	}
	if e.terminating {
		e.mu.Unlock()
		select {
		case <-e.done:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	e.terminating = true
	e.mu.Unlock()

	select {
	case <-e.started:
	case <-ctx.Done():
		// The spawn still sees terminating and finishes the job itself.
		return false, ctx.Err()
	}
	e.mu.Lock()
	failed := e.failed
	e.mu.Unlock()
	if failed {
		return true, nil
	}

	r.terminateChildren(ctx, e)
	r.stopSession(ctx, e, opts.Force)
	r.finalize(e, opts)
	return true, nil
}

func (r *Registry) terminateChildren(ctx context.Context, e *entry) {
	e.mu.Lock()
	children := append([]string(nil), e.children...)
	e.mu.Unlock()

	for _, childID := range children {
		_, err := r.Terminate(ctx, childID, TerminateOptions{
			Outcome: instance.StateTerminated,
			Reason:  "parent terminated",
		})
		if err != nil && !errors.Is(err, instance.ErrNotFound) {
			r.logger.Warn("child termination incomplete", map[string]string{
				logging.FieldInstanceID: childID,
				logging.FieldParentID:   e.inst.ID,
				logging.FieldError:      err.Error(),
			})
		}
	}
}

// stopSession shuts the session down gracefully within the grace period and
// escalates to a forced shutdown when that fails or the session survives.
func (r *Registry) stopSession(ctx context.Context, e *entry, force bool) {
	e.mu.Lock()
	handle, hasHandle := e.handle, e.hasHandle
	stopWatch := e.stopWatch
	e.hasHandle = false
	e.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
	if !hasHandle {
		return
	}

	base := context.WithoutCancel(ctx)
	fields := map[string]string{logging.FieldInstanceID: e.inst.ID}
	if !force {
		graceCtx, cancel := context.WithTimeout(base, r.grace)
		err := r.driver.Shutdown(graceCtx, handle, true)
		alive := err == nil && r.driver.IsAlive(graceCtx, handle)
		cancel()
		if err == nil && !alive {
			return
		}
		if err == nil {
			err = driver.ErrStillRunning
		}
		r.logger.Warn("graceful shutdown failed, forcing", withError(fields, fmt.Errorf("%w: %w", instance.ErrDriverShutdownFailed, err)))
	}

	forceCtx, cancel := context.WithTimeout(base, r.grace)
	defer cancel()
	if err := r.driver.Shutdown(forceCtx, handle, false); err != nil {
		r.logger.Error("forced shutdown failed", withError(map[string]string{
			logging.FieldInstanceID: e.inst.ID,
		}, fmt.Errorf("%w: %w", instance.ErrDriverShutdownFailed, err)))
	}
}

// finalize moves the instance to its outcome state and frees what it held.
func (r *Registry) finalize(e *entry, opts TerminateOptions) {
	id := e.inst.ID
	if err := os.RemoveAll(e.inst.Workspace); err != nil {
		r.logger.Warn("remove workspace failed", map[string]string{
			logging.FieldInstanceID: id,
			logging.FieldError:      err.Error(),
		})
	}
	if dropped := r.mailboxes.Remove(id); len(dropped) > 0 {
		r.logger.Info("dropped undelivered replies", map[string]string{
			logging.FieldInstanceID: id,
			"count":                 fmt.Sprint(len(dropped)),
		})
	}

	e.mu.Lock()
	from := e.inst.State
	e.inst.State = opts.Outcome
	e.inst.TerminatedAt = r.clock.Now().UTC()
	e.inst.Reason = opts.Reason
	e.children = nil
	e.terminating = false
	snapshot := r.snapshotLocked(e)
	e.mu.Unlock()
	e.lines.Flush()

	r.unlinkChild(snapshot.ParentID, id)
	r.releaseSlot()
	close(e.done)

	r.metrics.IncTerminated(string(opts.Outcome))
	r.publishState(event.TypeInstanceTerminated, snapshot, from, opts.Reason, opts.Cause)
	fields := instanceFields(snapshot)
	fields["outcome"] = string(opts.Outcome)
	if opts.Reason != "" {
		fields["reason"] = opts.Reason
	}
	r.logger.Info("instance terminated", fields)
}

// TerminateAll terminates every live root, cascading to all descendants.
func (r *Registry) TerminateAll(ctx context.Context, reason string) error {
	var errs []error
	for _, inst := range r.List() {
		if inst.ParentID != "" || inst.State.Terminal() {
			continue
		}
		if _, err := r.Terminate(ctx, inst.ID, TerminateOptions{Reason: reason}); err != nil && !errors.Is(err, instance.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until id is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
