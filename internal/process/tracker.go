// Package process signals and reaps the process groups behind PTY sessions.
package process

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// stopTimeout bounds Stop when the caller's context has no deadline.
const stopTimeout = 5 * time.Second

var ErrProcessNotFound = errors.New("process not running")

// Group is the process group started for one session.
type Group struct {
	PID     int
	PGID    int
	Session string
	// Wait blocks until the leader exits; nil falls back to polling.
	Wait func(context.Context) error
}

// Tracker remembers live session groups so the driver can stop them all on
// close.
type Tracker struct {
	mu     sync.Mutex
	groups map[string]Group
}

func NewTracker() *Tracker {
	return &Tracker{groups: make(map[string]Group)}
}

func (t *Tracker) Track(g Group) {
	if g.PID <= 0 || g.Session == "" {
		return
	}
	t.mu.Lock()
	t.groups[g.Session] = g
	t.mu.Unlock()
}

func (t *Tracker) Forget(session string) {
	t.mu.Lock()
	delete(t.groups, session)
	t.mu.Unlock()
}

// Sessions lists the tracked sessions in sorted order.
func (t *Tracker) Sessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := make([]string, 0, len(t.groups))
	for session := range t.groups {
		sessions = append(sessions, session)
	}
	sort.Strings(sessions)
	return sessions
}

// StopAll stops every tracked group in parallel and forgets them. Groups
// that already exited are not errors.
func (t *Tracker) StopAll(ctx context.Context) error {
	t.mu.Lock()
	groups := t.groups
	t.groups = make(map[string]Group)
	t.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			if err := g.Stop(ctx); err != nil && !errors.Is(err, ErrProcessNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// awaitExit waits for the group leader through Wait, or by polling when Wait
// is nil.
func (g Group) awaitExit(ctx context.Context) error {
	if g.Wait != nil {
		return g.Wait(ctx)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stopTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for g.Alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
