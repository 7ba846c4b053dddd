package config

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"fleet/internal/event"
	"fleet/internal/logging"
	"fleet/internal/watcher"
)

// Hot-reloadable sections; changes elsewhere are reported but need a restart.
const (
	SectionRegistry   = "registry"
	SectionRouter     = "router"
	SectionGovernor   = "governor"
	SectionSupervisor = "supervisor"
	SectionLog        = "log"
	SectionEvents     = "events"
)

// ChangedSections lists the sections that differ between a and b.
func ChangedSections(a, b Config) []string {
	var changed []string
	if !reflect.DeepEqual(a.Registry, b.Registry) {
		changed = append(changed, SectionRegistry)
	}
	if !reflect.DeepEqual(a.Router, b.Router) {
		changed = append(changed, SectionRouter)
	}
	if !reflect.DeepEqual(a.Governor, b.Governor) {
		changed = append(changed, SectionGovernor)
	}
	if !reflect.DeepEqual(a.Supervisor, b.Supervisor) {
		changed = append(changed, SectionSupervisor)
	}
	if !reflect.DeepEqual(a.Log, b.Log) {
		changed = append(changed, SectionLog)
	}
	if !reflect.DeepEqual(a.Events, b.Events) {
		changed = append(changed, SectionEvents)
	}
	return changed
}

type ReloaderOptions struct {
	Load    LoadOptions
	Current Config
	Watcher watcher.Watch
	Logger  *logging.Logger
	Bus     *event.Bus[event.ConfigEvent]
	// OnChange runs after a successful reload that changed something.
	OnChange func(previous, next Config, sections []string)
}

// Reloader re-reads the config file when it changes. A file that fails to
// load leaves the current config in place.
type Reloader struct {
	opts   ReloaderOptions
	logger *logging.Logger

	mu      sync.Mutex
	current Config
	handle  watcher.Handle
}

func NewReloader(opts ReloaderOptions) (*Reloader, error) {
	if opts.Load.Path == "" {
		return nil, errors.New("reloader requires a config path")
	}
	if opts.Watcher == nil {
		return nil, errors.New("reloader requires a file watcher")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Reloader{
		opts:    opts,
		logger:  opts.Logger.Category("config"),
		current: opts.Current,
	}, nil
}

func (r *Reloader) Start() error {
	path, err := filepath.Abs(r.opts.Load.Path)
	if err != nil {
		return err
	}
	handle, err := r.opts.Watcher.Watch(path, func(watcher.Event) {
		_, _, _ = r.Reload()
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.handle = handle
	r.mu.Unlock()
	r.logger.Info("watching config", map[string]string{"path": path})
	return nil
}

// Reload loads the file now and applies it when valid.
func (r *Reloader) Reload() (Config, []string, error) {
	next, err := Load(r.opts.Load)
	if err != nil {
		r.logger.Warn("config reload rejected", map[string]string{
			"path":             r.opts.Load.Path,
			logging.FieldError: err.Error(),
		})
		r.publish(nil, err)
		return r.Current(), nil, err
	}

	r.mu.Lock()
	previous := r.current
	sections := ChangedSections(previous, next)
	if len(sections) > 0 {
		r.current = next
	}
	r.mu.Unlock()
	if len(sections) == 0 {
		return next, nil, nil
	}

	r.logger.Info("config reloaded", map[string]string{
		"path":     r.opts.Load.Path,
		"sections": strings.Join(sections, ","),
	})
	if r.opts.OnChange != nil {
		r.opts.OnChange(previous, next, sections)
	}
	r.publish(sections, nil)
	return next, sections, nil
}

func (r *Reloader) Current() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reloader) Close() error {
	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Close()
}

func (r *Reloader) publish(sections []string, err error) {
	if r.opts.Bus == nil {
		return
	}
	evt := event.ConfigEvent{
		EventType:  event.TypeConfigReloaded,
		Path:       r.opts.Load.Path,
		Sections:   sections,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	r.opts.Bus.Publish(evt)
}
