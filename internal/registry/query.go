package registry

import (
	"context"
	"fmt"

	"fleet/internal/event"
	"fleet/internal/instance"
	"fleet/internal/outputlog"
)

func (r *Registry) snapshotLocked(e *entry) instance.Instance {
	snapshot := e.inst
	if len(e.children) > 0 {
		snapshot.Children = append([]string(nil), e.children...)
	}
	return snapshot
}

func (r *Registry) snapshotWithState(e *entry, state instance.State) instance.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := r.snapshotLocked(e)
	snapshot.State = state
	return snapshot
}

func (r *Registry) snapshot(e *entry) instance.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.snapshotLocked(e)
}

// Status returns a snapshot of id, terminal or not.
func (r *Registry) Status(id string) (instance.Instance, error) {
	e, err := r.lookup(id)
	if err != nil {
		return instance.Instance{}, err
	}
	return r.snapshot(e), nil
}

// List returns snapshots of every known instance, oldest first.
func (r *Registry) List() []instance.Instance {
	var instances []instance.Instance
	r.entries.Range(func(_, value any) bool {
		instances = append(instances, r.snapshot(value.(*entry)))
		return true
	})
	instance.SortByCreation(instances)
	return instances
}

// ListActive returns snapshots of running, busy and idle instances.
func (r *Registry) ListActive() []instance.Instance {
	all := r.List()
	active := all[:0]
	for _, inst := range all {
		if inst.State.Active() {
			active = append(active, inst)
		}
	}
	return active
}

func (r *Registry) Summary() instance.Summary {
	return instance.NewSummary(r.List())
}

// Children returns snapshots of id's active children.
func (r *Registry) Children(id string) ([]instance.Instance, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	ids := append([]string(nil), e.children...)
	e.mu.Unlock()

	children := make([]instance.Instance, 0, len(ids))
	for _, childID := range ids {
		child, err := r.lookup(childID)
		if err != nil {
			continue
		}
		snapshot := r.snapshot(child)
		if snapshot.State.Terminal() {
			continue
		}
		children = append(children, snapshot)
	}
	return children, nil
}

// Tree returns the hierarchy under rootID. An empty rootID returns a
// synthetic node whose children are the live roots.
func (r *Registry) Tree(rootID string) (instance.TreeNode, error) {
	if rootID != "" {
		e, err := r.lookup(rootID)
		if err != nil {
			return instance.TreeNode{}, err
		}
		return r.buildTree(r.snapshot(e)), nil
	}
	forest := instance.TreeNode{}
	for _, inst := range r.List() {
		if inst.State.Terminal() {
			continue
		}
		if inst.ParentID != "" {
			if _, err := r.lookup(inst.ParentID); err == nil {
				continue
			}
		}
		forest.Children = append(forest.Children, r.buildTree(inst))
	}
	return forest, nil
}

func (r *Registry) buildTree(inst instance.Instance) instance.TreeNode {
	node := instance.TreeNode{Instance: inst}
	for _, childID := range inst.Children {
		child, err := r.lookup(childID)
		if err != nil {
			continue
		}
		node.Children = append(node.Children, r.buildTree(r.snapshot(child)))
	}
	return node
}

// Transition applies an explicit state change. Terminal targets go through
// Terminate so the session and workspace are released.
func (r *Registry) Transition(ctx context.Context, id string, to instance.State) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", instance.ErrInvalidTransition, to)
	}
	if to.Terminal() {
		_, err := r.Terminate(ctx, id, TerminateOptions{Outcome: to, Reason: "transition to " + string(to)})
		return err
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	from := e.inst.State
	if err := instance.ValidateTransition(from, to); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.terminating {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is terminating", instance.ErrInvalidTransition, id)
	}
	if from == instance.StateInitializing {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is still starting", instance.ErrInvalidTransition, id)
	}
	e.inst.State = to
	snapshot := r.snapshotLocked(e)
	e.mu.Unlock()
	r.publishState(event.TypeInstanceState, snapshot, from, "", nil)
	return nil
}

// RecordUsage adds a usage report to id's counters. Reports for terminal
// instances are ignored.
func (r *Registry) RecordUsage(id string, usage instance.Usage) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst.State.Terminal() {
		return nil
	}
	e.inst.Counters.TokensUsed += usage.Tokens
	e.inst.Counters.CostAccrued += usage.Cost
	e.inst.Counters.RequestCount += usage.Requests
	e.inst.Counters.LastActivityAt = r.clock.Now().UTC()
	return nil
}

// Touch marks activity on id without changing counters.
func (r *Registry) Touch(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inst.State.Terminal() {
		e.inst.Counters.LastActivityAt = r.clock.Now().UTC()
	}
	return nil
}

// SendInput delivers text to id's session. Input to one instance is
// serialized, so concurrent senders reach the session in lock order.
func (r *Registry) SendInput(ctx context.Context, id string, text string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.inputMu.Lock()
	defer e.inputMu.Unlock()

	e.mu.Lock()
	if e.terminating || !e.hasHandle || !e.inst.State.Active() {
		state := e.inst.State
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", instance.ErrRecipientUnavailable, id, state)
	}
	handle := e.handle
	e.mu.Unlock()

	if err := r.driver.SendInput(ctx, handle, text); err != nil {
		return fmt.Errorf("send input to %s: %w", id, err)
	}
	return nil
}

// Output returns retained output lines of id with sequence numbers above afterSeq.
func (r *Registry) Output(id string, afterSeq uint64) ([]outputlog.Line, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.lines.After(afterSeq), nil
}

// OutputTail returns up to n recent lines, including an unterminated prompt line.
func (r *Registry) OutputTail(id string, n int) ([]string, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.lines.Tail(n), nil
}
