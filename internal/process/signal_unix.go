//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// Leader builds the Group for a session whose leader is pid.
func Leader(session string, pid int, wait func(context.Context) error) Group {
	g := Group{PID: pid, Session: session, Wait: wait}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		g.PGID = pgid
	}
	return g
}

// Interrupt sends SIGTERM to the group without waiting.
func (g Group) Interrupt() error {
	return g.signal(syscall.SIGTERM)
}

func (g Group) Kill() error {
	return g.signal(syscall.SIGKILL)
}

// Stop interrupts the group, waits for the leader and kills the group if
// it is still there when ctx ends.
func (g Group) Stop(ctx context.Context) error {
	if !g.Alive() {
		return ErrProcessNotFound
	}
	termErr := g.Interrupt()
	waitErr := g.awaitExit(ctx)
	if waitErr == nil || signaledExit(waitErr) {
		return ignoreMissing(termErr)
	}
	killErr := g.Kill()
	_ = g.awaitExit(context.Background())
	return errors.Join(ignoreMissing(termErr), waitErr, ignoreMissing(killErr))
}

// Alive reports whether the leader still exists.
func (g Group) Alive() bool {
	if g.PID <= 0 {
		return false
	}
	err := syscall.Kill(g.PID, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (g Group) signal(sig syscall.Signal) error {
	if g.PID <= 0 {
		return ErrProcessNotFound
	}
	target := g.PID
	if g.PGID > 0 {
		target = -g.PGID
	}
	if err := syscall.Kill(target, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessNotFound
		}
		return err
	}
	return nil
}

func ignoreMissing(err error) error {
	if errors.Is(err, ErrProcessNotFound) {
		return nil
	}
	return err
}

// signaledExit reports a leader that died from the signal we sent.
func signaledExit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled()
}
