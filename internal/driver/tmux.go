package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fleet/internal/logging"
	"fleet/internal/runner/launchspec"
	"fleet/internal/runner/tmux"
)

const (
	// OutputDir holds driver files inside a workspace.
	OutputDir     = ".fleet"
	outputLogName = "output.log"
)

type TmuxOptions struct {
	Client        *tmux.Client
	SessionPrefix string
	PollInterval  time.Duration
	Logger        *logging.Logger
}

// Tmux runs each session as a detached tmux session whose pane output is
// piped into a log file in the workspace.
type Tmux struct {
	client       *tmux.Client
	prefix       string
	pollInterval time.Duration
	logger       *logging.Logger

	mu       sync.Mutex
	sessions map[Handle]*tmuxSession
}

type tmuxSession struct {
	name          string
	logPath       string
	shutdownInput string
}

func NewTmux(opts TmuxOptions) *Tmux {
	if opts.Client == nil {
		opts.Client = tmux.NewClient()
	}
	if opts.SessionPrefix == "" {
		opts.SessionPrefix = "fleet"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Tmux{
		client:       opts.Client,
		prefix:       opts.SessionPrefix,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.Category("driver"),
		sessions:     make(map[Handle]*tmuxSession),
	}
}

func (d *Tmux) Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return "", errors.New("launch argv is required")
	}
	name := sessionName(d.prefix, spec.SessionID)
	outputDir := filepath.Join(workspace, OutputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	logPath := filepath.Join(outputDir, outputLogName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create output log: %w", err)
	}
	_ = file.Close()

	err = d.client.CreateSession(ctx, tmux.SessionOptions{
		Name:    name,
		Workdir: workspace,
		Env:     spec.Env,
		Command: spec.Argv,
	})
	if err != nil {
		return "", err
	}
	if err := d.client.PipePane(ctx, name, "cat >> "+shellQuote(logPath)); err != nil {
		killErr := d.client.KillSession(context.WithoutCancel(ctx), name)
		return "", errors.Join(fmt.Errorf("pipe pane output: %w", err), killErr)
	}

	handle := Handle(name)
	d.mu.Lock()
	d.sessions[handle] = &tmuxSession{
		name:          name,
		logPath:       logPath,
		shutdownInput: spec.ShutdownInput,
	}
	d.mu.Unlock()
	d.logger.Info("tmux session started", map[string]string{
		"session": name,
		"argv0":   spec.Argv[0],
	})
	return handle, nil
}

func (d *Tmux) SendInput(ctx context.Context, h Handle, text string) error {
	session, err := d.session(h)
	if err != nil {
		return err
	}
	buffer := "fleet-" + session.name
	if text != "" {
		if err := d.client.LoadBuffer(ctx, buffer, []byte(text)); err != nil {
			return err
		}
		if err := d.client.PasteBuffer(ctx, buffer, session.name); err != nil {
			return err
		}
	}
	return d.client.SendKeys(ctx, session.name, "Enter")
}

func (d *Tmux) CaptureOutput(ctx context.Context, h Handle, since Marker) (Output, error) {
	session, err := d.session(h)
	if err != nil {
		return Output{Marker: since}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{Marker: since}, err
	}
	return readLogFrom(session.logPath, since)
}

func (d *Tmux) IsAlive(ctx context.Context, h Handle) bool {
	session, err := d.session(h)
	if err != nil {
		return false
	}
	alive, err := d.client.HasSession(ctx, session.name)
	if err != nil {
		d.logger.Warn("tmux liveness check failed", map[string]string{
			"session":          session.name,
			logging.FieldError: err.Error(),
		})
		// Unknown is not dead.
		return true
	}
	return alive
}

func (d *Tmux) Shutdown(ctx context.Context, h Handle, graceful bool) error {
	session, err := d.session(h)
	if err != nil {
		return err
	}
	if graceful {
		if err := d.gracefulStop(ctx, session); err != nil {
			return err
		}
		d.forget(h)
		return nil
	}
	if err := d.client.KillSession(ctx, session.name); err != nil {
		alive, checkErr := d.client.HasSession(context.WithoutCancel(ctx), session.name)
		if checkErr != nil || alive {
			return err
		}
	}
	d.forget(h)
	return nil
}

func (d *Tmux) gracefulStop(ctx context.Context, session *tmuxSession) error {
	input := session.shutdownInput
	if input == "" {
		input = launchspec.DefaultShutdownInput
	}
	if isKeyName(input) {
		if err := d.client.SendKeys(ctx, session.name, input); err != nil {
			return err
		}
	} else if err := d.SendInput(ctx, Handle(session.name), input); err != nil {
		return err
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		alive, err := d.client.HasSession(ctx, session.name)
		if err == nil && !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStillRunning, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close kills every tracked session still present on the tmux server.
func (d *Tmux) Close(ctx context.Context) error {
	d.mu.Lock()
	tracked := make(map[string]Handle, len(d.sessions))
	for h, session := range d.sessions {
		tracked[session.name] = h
	}
	d.mu.Unlock()
	if len(tracked) == 0 {
		return nil
	}

	live, err := d.client.ListSessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range live {
		h, ok := tracked[name]
		if !ok {
			continue
		}
		if err := d.client.KillSession(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		d.logger.Info("tmux session killed on close", map[string]string{"session": name})
		d.forget(h)
	}
	return errors.Join(errs...)
}

func (d *Tmux) session(h Handle) (*tmuxSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return session, nil
}

func (d *Tmux) forget(h Handle) {
	d.mu.Lock()
	delete(d.sessions, h)
	d.mu.Unlock()
}

// readLogFrom returns log bytes after since. A log shorter than since was
// truncated and is read from the start.
func readLogFrom(path string, since Marker) (Output, error) {
	file, err := os.Open(path)
	if err != nil {
		return Output{Marker: since}, fmt.Errorf("open output log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Output{Marker: since}, fmt.Errorf("stat output log: %w", err)
	}
	offset := int64(since)
	if offset > info.Size() || offset < 0 {
		offset = 0
	}
	if offset == info.Size() {
		return Output{Marker: Marker(offset)}, nil
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Output{Marker: since}, fmt.Errorf("seek output log: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(file, maxCaptureBytes))
	if err != nil {
		return Output{Marker: since}, fmt.Errorf("read output log: %w", err)
	}
	return Output{Text: string(data), Marker: Marker(offset + int64(len(data)))}, nil
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
