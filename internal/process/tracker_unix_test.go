//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func startGroup(t *testing.T, session string, args ...string) (*exec.Cmd, Group) {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", args, err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	wait := func(ctx context.Context) error {
		select {
		case err := <-exited:
			exited <- err
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd, Leader(session, cmd.Process.Pid, wait)
}

func TestStopAllEndsEveryGroup(t *testing.T) {
	tracker := NewTracker()
	_, first := startGroup(t, "pty-a", "sleep", "10")
	_, second := startGroup(t, "pty-b", "sleep", "10")
	if first.PGID != first.PID {
		t.Fatalf("expected the leader to own its group, got pgid %d pid %d", first.PGID, first.PID)
	}
	tracker.Track(first)
	tracker.Track(second)
	if got := tracker.Sessions(); len(got) != 2 || got[0] != "pty-a" {
		t.Fatalf("unexpected sessions %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tracker.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, g := range []Group{first, second} {
		if g.Alive() {
			t.Fatalf("expected %s to exit", g.Session)
		}
	}
	if len(tracker.Sessions()) != 0 {
		t.Fatalf("expected tracker to forget stopped groups")
	}
}

func TestStopExitedGroup(t *testing.T) {
	_, g := startGroup(t, "pty-done", "true")
	deadline := time.Now().Add(2 * time.Second)
	for g.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := g.Stop(context.Background()); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}

	tracker := NewTracker()
	tracker.Track(g)
	if err := tracker.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all with exited group: %v", err)
	}
}

func TestSignalWithoutProcess(t *testing.T) {
	var g Group
	if err := g.Kill(); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
	if g.Alive() {
		t.Fatalf("zero group reported alive")
	}
	tracker := NewTracker()
	tracker.Track(g)
	if len(tracker.Sessions()) != 0 {
		t.Fatalf("expected invalid group to be ignored")
	}
}
