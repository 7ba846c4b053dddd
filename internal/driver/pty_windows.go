//go:build windows

package driver

import (
	"context"
	"errors"

	"fleet/internal/logging"
	"fleet/internal/runner/launchspec"
)

var errPTYUnsupported = errors.New("pty driver is not supported on windows")

type PTYOptions struct {
	MaxLogBytes int
	Logger      *logging.Logger
}

type PTY struct{}

func NewPTY(opts PTYOptions) *PTY {
	return &PTY{}
}

func (d *PTY) Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (Handle, error) {
	return "", errPTYUnsupported
}

func (d *PTY) SendInput(ctx context.Context, h Handle, text string) error {
	return errPTYUnsupported
}

func (d *PTY) CaptureOutput(ctx context.Context, h Handle, since Marker) (Output, error) {
	return Output{Marker: since}, errPTYUnsupported
}

func (d *PTY) IsAlive(ctx context.Context, h Handle) bool {
	return false
}

func (d *PTY) Shutdown(ctx context.Context, h Handle, graceful bool) error {
	return errPTYUnsupported
}

func (d *PTY) Close(ctx context.Context) error {
	return nil
}
