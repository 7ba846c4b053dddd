// Package tmux drives a tmux server through its command line interface.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// CommandRunner executes one tmux invocation, feeding input on stdin, and
// returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, args []string, input []byte) ([]byte, error)
}

var errNoRunner = errors.New("tmux runner unavailable")

// CommandError is a tmux invocation that exited unsuccessfully.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("tmux %s failed: %s", e.Command, e.Output)
	}
	return fmt.Sprintf("tmux %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// exited reports a non-zero exit, as opposed to tmux failing to run at all.
func (e *CommandError) exited() bool {
	var exitErr *exec.ExitError
	return errors.As(e.Err, &exitErr)
}

type Client struct {
	runner CommandRunner
}

func NewClient() *Client {
	return NewClientWithBinary("tmux")
}

func NewClientWithBinary(binary string) *Client {
	if strings.TrimSpace(binary) == "" {
		binary = "tmux"
	}
	return &Client{runner: execRunner{binary: binary}}
}

func NewClientWithRunner(runner CommandRunner) *Client {
	return &Client{runner: runner}
}

// SessionOptions describes a detached session. Env is passed with -e in key
// order.
type SessionOptions struct {
	Name    string
	Workdir string
	Env     map[string]string
	Command []string
}

func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) error {
	args := []string{"new-session", "-d", "-s", opts.Name}
	if strings.TrimSpace(opts.Workdir) != "" {
		args = append(args, "-c", opts.Workdir)
	}
	keys := make([]string, 0, len(opts.Env))
	for key := range opts.Env {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+opts.Env[key])
	}
	if len(opts.Command) > 0 {
		args = append(append(args, "--"), opts.Command...)
	}
	_, err := c.invoke(ctx, args, nil)
	return err
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.invoke(ctx, []string{"kill-session", "-t", name}, nil)
	return err
}

// SendKeys sends key names or literal words to target.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	_, err := c.invoke(ctx, append([]string{"send-keys", "-t", target}, keys...), nil)
	return err
}

// LoadBuffer reads data into a paste buffer; an empty name uses tmux's
// automatic buffer.
func (c *Client) LoadBuffer(ctx context.Context, buffer string, data []byte) error {
	_, err := c.invoke(ctx, withBuffer([]string{"load-buffer"}, buffer, "-"), data)
	return err
}

// PasteBuffer pastes a buffer into target and deletes the buffer.
func (c *Client) PasteBuffer(ctx context.Context, buffer, target string) error {
	_, err := c.invoke(ctx, withBuffer([]string{"paste-buffer", "-d"}, buffer, "-t", target), nil)
	return err
}

// PipePane starts piping pane output into a shell command unless a pipe is
// already open.
func (c *Client) PipePane(ctx context.Context, target, command string) error {
	_, err := c.invoke(ctx, []string{"pipe-pane", "-t", target, "-o", command}, nil)
	return err
}

// HasSession maps tmux's non-zero exit to false.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.invoke(ctx, []string{"has-session", "-t", name}, nil)
	var cmdErr *CommandError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &cmdErr) && cmdErr.exited():
		return false, nil
	default:
		return false, err
	}
}

// ListSessions returns session names. No running server means no sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	output, err := c.invoke(ctx, []string{"list-sessions", "-F", "#{session_name}"}, nil)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.exited() {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(output), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) invoke(ctx context.Context, args []string, input []byte) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, errNoRunner
	}
	output, err := c.runner.Run(ctx, args, input)
	if err == nil {
		return output, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("tmux %s: %w", args[0], ctxErr)
	}
	return nil, &CommandError{
		Command: args[0],
		Output:  string(bytes.TrimSpace(output)),
		Err:     err,
	}
}

func withBuffer(args []string, buffer string, rest ...string) []string {
	if buffer != "" {
		args = append(args, "-b", buffer)
	}
	return append(args, rest...)
}

type execRunner struct {
	binary string
}

func (r execRunner) Run(ctx context.Context, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	return cmd.CombinedOutput()
}
