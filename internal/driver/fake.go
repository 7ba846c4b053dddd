package driver

import (
	"context"
	"fmt"
	"sync"

	"fleet/internal/runner/launchspec"
)

// Fake is an in-memory driver for tests. Handles are the launch spec's
// session id, so tests can address sessions by instance id.
type Fake struct {
	mu             sync.Mutex
	sessions       map[Handle]*fakeSession
	starts         int
	startErr       error
	onInput        func(h Handle, text string)
	refuseGraceful bool
	autoReady      bool
}

type fakeSession struct {
	workspace string
	spec      launchspec.LaunchSpec
	inputs    []string
	output    []byte
	alive     bool
	graceful  int
	forced    int
}

// FakeSession is a copy of a fake session's recorded state.
type FakeSession struct {
	Handle    Handle
	Workspace string
	Spec      launchspec.LaunchSpec
	Inputs    []string
	Alive     bool
	Graceful  int
	Forced    int
}

// NewFake returns a fake that prints each session's ready marker on start.
func NewFake() *Fake {
	return &Fake{
		sessions:  make(map[Handle]*fakeSession),
		autoReady: true,
	}
}

func (f *Fake) SetStartError(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// SetAutoReady controls whether Start emits the ready marker.
func (f *Fake) SetAutoReady(enabled bool) {
	f.mu.Lock()
	f.autoReady = enabled
	f.mu.Unlock()
}

// SetRefuseGraceful makes graceful shutdown leave sessions running.
func (f *Fake) SetRefuseGraceful(refuse bool) {
	f.mu.Lock()
	f.refuseGraceful = refuse
	f.mu.Unlock()
}

// OnInput registers a hook run after every delivered input. The hook may
// call Emit.
func (f *Fake) OnInput(hook func(h Handle, text string)) {
	f.mu.Lock()
	f.onInput = hook
	f.mu.Unlock()
}

func (f *Fake) Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return "", f.startErr
	}
	handle := Handle(spec.SessionID)
	if handle == "" {
		handle = Handle(fmt.Sprintf("fake-%d", f.starts))
	}
	session := &fakeSession{
		workspace: workspace,
		spec:      spec,
		alive:     true,
	}
	if f.autoReady && spec.ReadyMarker != "" {
		session.output = append(session.output, spec.ReadyMarker+"\n"...)
	}
	f.sessions[handle] = session
	return handle, nil
}

func (f *Fake) SendInput(ctx context.Context, h Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	session, ok := f.sessions[h]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if !session.alive {
		f.mu.Unlock()
		return ErrSessionExited
	}
	session.inputs = append(session.inputs, text)
	hook := f.onInput
	f.mu.Unlock()

	if hook != nil {
		hook(h, text)
	}
	return nil
}

func (f *Fake) CaptureOutput(ctx context.Context, h Handle, since Marker) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[h]
	if !ok {
		return Output{Marker: since}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	offset := int(since)
	if offset < 0 || offset > len(session.output) {
		offset = 0
	}
	text := string(session.output[offset:])
	return Output{Text: text, Marker: Marker(len(session.output))}, nil
}

func (f *Fake) IsAlive(ctx context.Context, h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[h]
	return ok && session.alive
}

func (f *Fake) Shutdown(ctx context.Context, h Handle, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if graceful {
		session.graceful++
		if f.refuseGraceful {
			return ErrStillRunning
		}
	} else {
		session.forced++
	}
	session.alive = false
	return nil
}

// Emit appends output to a session as if the program printed it.
func (f *Fake) Emit(h Handle, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[h]; ok {
		session.output = append(session.output, text...)
	}
}

// Kill ends a session without going through Shutdown.
func (f *Fake) Kill(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[h]; ok {
		session.alive = false
	}
}

func (f *Fake) Session(h Handle) (FakeSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[h]
	if !ok {
		return FakeSession{}, false
	}
	return FakeSession{
		Handle:    h,
		Workspace: session.workspace,
		Spec:      session.spec,
		Inputs:    append([]string(nil), session.inputs...),
		Alive:     session.alive,
		Graceful:  session.graceful,
		Forced:    session.forced,
	}, true
}

// Inputs returns every input delivered to h, in order.
func (f *Fake) Inputs(h Handle) []string {
	session, _ := f.Session(h)
	return session.Inputs
}

// Alive counts sessions that are still running.
func (f *Fake) Alive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, session := range f.sessions {
		if session.alive {
			count++
		}
	}
	return count
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}
