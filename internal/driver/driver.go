// Package driver is the seam between the registry and the terminal programs
// it runs. Every call is bounded by its context.
package driver

import (
	"context"
	"errors"
	"strings"

	"fleet/internal/runner/launchspec"
)

// Handle identifies one started session within a driver.
type Handle string

// Marker is an opaque position in a session's output stream.
type Marker int64

// Output is the text that appeared after a previous marker.
type Output struct {
	Text   string
	Marker Marker
}

type Driver interface {
	Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (Handle, error)
	SendInput(ctx context.Context, h Handle, text string) error
	CaptureOutput(ctx context.Context, h Handle, since Marker) (Output, error)
	IsAlive(ctx context.Context, h Handle) bool
	Shutdown(ctx context.Context, h Handle, graceful bool) error
}

var (
	ErrUnknownHandle = errors.New("unknown session handle")
	ErrSessionExited = errors.New("session exited")
	ErrStillRunning  = errors.New("session still running after graceful shutdown")
)

// maxCaptureBytes bounds one CaptureOutput call.
const maxCaptureBytes = 1 << 20

// sessionName turns an id into a tmux-safe session name.
func sessionName(prefix, id string) string {
	replacer := strings.NewReplacer(".", "-", ":", "-", " ", "-")
	id = replacer.Replace(strings.TrimSpace(id))
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// isKeyName reports whether input is a tmux key name such as C-c rather than text.
func isKeyName(input string) bool {
	switch {
	case len(input) == 3 && (strings.HasPrefix(input, "C-") || strings.HasPrefix(input, "M-")):
		return true
	case input == "Escape" || input == "Enter":
		return true
	default:
		return false
	}
}
