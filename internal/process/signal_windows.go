//go:build windows

package process

import (
	"context"
	"os"
)

func Leader(session string, pid int, wait func(context.Context) error) Group {
	return Group{PID: pid, Session: session, Wait: wait}
}

func (g Group) Interrupt() error {
	return g.Kill()
}

func (g Group) Kill() error {
	proc, err := os.FindProcess(g.PID)
	if err != nil {
		return ErrProcessNotFound
	}
	return proc.Kill()
}

func (g Group) Stop(ctx context.Context) error {
	if err := g.Kill(); err != nil {
		return err
	}
	return g.awaitExit(ctx)
}

func (g Group) Alive() bool {
	proc, err := os.FindProcess(g.PID)
	return err == nil && proc != nil
}
