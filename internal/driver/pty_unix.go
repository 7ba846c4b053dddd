//go:build !windows

package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"fleet/internal/logging"
	"fleet/internal/process"
	"fleet/internal/runner/launchspec"
)

const defaultPTYLogBytes = 4 << 20

type PTYOptions struct {
	// MaxLogBytes bounds the retained output per session.
	MaxLogBytes int
	Logger      *logging.Logger
}

// PTY runs each session as a child process attached to a pseudo terminal.
type PTY struct {
	maxLog    int
	logger    *logging.Logger
	groups    *process.Tracker
	nextID    atomic.Uint64

	mu       sync.Mutex
	sessions map[Handle]*ptySession
}

type ptySession struct {
	cmd           *exec.Cmd
	file          *os.File
	group         process.Group
	shutdownInput string
	done          chan struct{}
	inputMu       sync.Mutex

	mu   sync.Mutex
	log  []byte
	base int64
}

func NewPTY(opts PTYOptions) *PTY {
	if opts.MaxLogBytes <= 0 {
		opts.MaxLogBytes = defaultPTYLogBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &PTY{
		maxLog:    opts.MaxLogBytes,
		logger:    opts.Logger.Category("driver"),
		groups:    process.NewTracker(),
		sessions:  make(map[Handle]*ptySession),
	}
}

func (d *PTY) Start(ctx context.Context, workspace string, spec launchspec.LaunchSpec) (Handle, error) {
	if len(spec.Argv) == 0 {
		return "", errors.New("launch argv is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), spec.EnvList()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setDeathSignal(cmd.SysProcAttr)
	file, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	session := &ptySession{
		cmd:           cmd,
		file:          file,
		shutdownInput: spec.ShutdownInput,
		done:          make(chan struct{}),
	}
	id := spec.SessionID
	if id == "" {
		id = strconv.FormatUint(d.nextID.Add(1), 10)
	}
	handle := Handle(sessionName("pty", id))

	session.group = process.Leader(string(handle), cmd.Process.Pid, session.wait)
	d.groups.Track(session.group)
	go session.readLoop(d.maxLog)
	go func() {
		_ = cmd.Wait()
		close(session.done)
		d.groups.Forget(string(handle))
	}()

	d.mu.Lock()
	d.sessions[handle] = session
	d.mu.Unlock()
	d.logger.Info("pty session started", map[string]string{
		"session": string(handle),
		"pid":     strconv.Itoa(cmd.Process.Pid),
	})
	return handle, nil
}

func (d *PTY) SendInput(ctx context.Context, h Handle, text string) error {
	session, err := d.session(h)
	if err != nil {
		return err
	}
	return session.write(ctx, []byte(text+"\r"))
}

func (d *PTY) CaptureOutput(ctx context.Context, h Handle, since Marker) (Output, error) {
	session, err := d.session(h)
	if err != nil {
		return Output{Marker: since}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{Marker: since}, err
	}
	return session.capture(since), nil
}

func (d *PTY) IsAlive(ctx context.Context, h Handle) bool {
	session, err := d.session(h)
	if err != nil {
		return false
	}
	select {
	case <-session.done:
		return false
	default:
		return true
	}
}

func (d *PTY) Shutdown(ctx context.Context, h Handle, graceful bool) error {
	session, err := d.session(h)
	if err != nil {
		return err
	}
	if graceful {
		input := session.shutdownInput
		if input == "" || isKeyName(input) {
			err = session.group.Interrupt()
		} else {
			err = session.write(ctx, []byte(input+"\r"))
		}
		if err != nil && !errors.Is(err, process.ErrProcessNotFound) {
			return err
		}
		if err := session.wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrStillRunning, ctx.Err())
		}
	} else {
		if err := session.group.Kill(); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
			return err
		}
		_ = session.wait(ctx)
	}
	_ = session.file.Close()
	d.mu.Lock()
	delete(d.sessions, h)
	d.mu.Unlock()
	return nil
}

// Close stops every session the driver still tracks.
func (d *PTY) Close(ctx context.Context) error {
	return d.groups.StopAll(ctx)
}

func (d *PTY) session(h Handle) (*ptySession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session, ok := d.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return session, nil
}

func (s *ptySession) readLoop(maxLog int) {
	buf := make([]byte, 4096)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.log = append(s.log, buf[:n]...)
			if overflow := len(s.log) - maxLog; overflow > 0 {
				s.log = append(s.log[:0], s.log[overflow:]...)
				s.base += int64(overflow)
			}
			s.mu.Unlock()
		}
		if err != nil {
			// EOF, EIO on linux once the child exits, or a closed file.
			return
		}
	}
}

func (s *ptySession) capture(since Marker) Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.base + int64(len(s.log))
	offset := int64(since)
	if offset < s.base || offset > end {
		offset = s.base
	}
	data := s.log[offset-s.base:]
	if len(data) > maxCaptureBytes {
		data = data[:maxCaptureBytes]
	}
	return Output{Text: string(data), Marker: Marker(offset + int64(len(data)))}
}

func (s *ptySession) write(ctx context.Context, data []byte) error {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	select {
	case <-s.done:
		return ErrSessionExited
	default:
	}
	result := make(chan error, 1)
	go func() {
		_, err := s.file.Write(data)
		result <- err
	}()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ptySession) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
