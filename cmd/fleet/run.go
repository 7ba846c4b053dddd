package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleet/internal/config"
	"fleet/internal/eventlog"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/orchestrator"
	"fleet/internal/watcher"
)

const defaultShutdownTimeout = 30 * time.Second

type runOptions struct {
	ConfigPath      string
	ManifestPath    string
	Overrides       []string
	MetricsFile     string
	ShutdownTimeout time.Duration
	// Getenv reads FLEET_* overrides; nil uses os.Getenv.
	Getenv func(string) string
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator and optionally a manifest of instances",
		Long: `Start the orchestrator in the foreground. With --manifest the listed
instances are spawned, parents before children. The run ends on SIGINT or
SIGTERM, terminating every live instance before exiting.

The config file is watched; [governor] and [supervisor] changes apply
without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signals := make(chan os.Signal, 2)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(signals)
			return runFleet(cmd.Context(), opts, cmd.ErrOrStderr(), signals)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "TOML config file")
	flags.StringVarP(&opts.ManifestPath, "manifest", "m", "", "YAML manifest of instances to spawn")
	flags.StringArrayVar(&opts.Overrides, "set", nil, "Override a config key (key=value, repeatable)")
	flags.StringVar(&opts.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	flags.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "Time allowed for terminating instances on exit")
	return cmd
}

func runFleet(ctx context.Context, opts runOptions, stderr io.Writer, signals <-chan os.Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	overrides, err := config.ParseOverrides(opts.Overrides)
	if err != nil {
		return err
	}
	loadOpts := config.LoadOptions{Path: opts.ConfigPath, Getenv: opts.Getenv, Overrides: overrides}
	cfg, err := config.Load(loadOpts)
	if err != nil {
		return err
	}
	var manifest config.Manifest
	if opts.ManifestPath != "" {
		if manifest, err = config.LoadManifest(opts.ManifestPath); err != nil {
			return err
		}
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	output, closeOutput, err := logging.OpenOutput(logging.OutputOptions{
		Console:    stderr,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("open log output: %w", err)
	}
	logger := logging.New(logging.Options{Level: level, Output: output})
	shutdown := &shutdownSequence{logger: logger.Category("shutdown")}
	shutdown.Add("log output", func(context.Context) error { return closeOutput() })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatching := watchShutdownSignals(logger, cancel, signals)
	defer stopWatching()

	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.Default,
	})
	if err != nil {
		_ = shutdown.Run(context.Background())
		return err
	}
	if opts.MetricsFile != "" {
		shutdown.Add("metrics", func(context.Context) error {
			return writeMetrics(opts.MetricsFile, orch.Metrics())
		})
	}

	if cfg.Events.File != "" {
		sink, err := eventlog.New(eventlog.Options{
			File:       cfg.Events.File,
			MaxSizeMB:  cfg.Events.MaxSizeMB,
			MaxBackups: cfg.Events.MaxBackups,
			Logger:     logger,
		})
		if err != nil {
			_ = shutdown.Run(context.Background())
			return err
		}
		shutdown.Add("event log", func(context.Context) error { return sink.Close() })
		orch.Events().Record(sink)
	}
	shutdown.Add("orchestrator", orch.Shutdown)

	if opts.ConfigPath != "" {
		fsWatcher, err := watcher.NewWithOptions(watcher.Options{Logger: logger})
		if err != nil {
			logger.Warn("config hot reload unavailable", map[string]string{logging.FieldError: err.Error()})
		} else {
			shutdown.Add("file watcher", func(context.Context) error { return fsWatcher.Close() })
			reloader, err := config.NewReloader(config.ReloaderOptions{
				Load:    loadOpts,
				Current: cfg,
				Watcher: fsWatcher,
				Logger:  logger,
				Bus:     orch.Events().Config,
				OnChange: func(_, next config.Config, sections []string) {
					_ = orch.ApplyConfig(runCtx, next, sections)
				},
			})
			if err == nil {
				err = reloader.Start()
			}
			if err != nil {
				logger.Warn("config hot reload unavailable", map[string]string{logging.FieldError: err.Error()})
			} else {
				shutdown.Add("config reloader", func(context.Context) error { return reloader.Close() })
			}
		}
	}

	orch.Start(runCtx)
	runErr := spawnManifest(runCtx, orch, manifest, logger)
	if runErr == nil {
		<-runCtx.Done()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout(opts))
	defer stopCancel()
	if err := shutdown.Run(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func spawnManifest(ctx context.Context, orch *orchestrator.Orchestrator, manifest config.Manifest, logger *logging.Logger) error {
	if manifest.Count() == 0 {
		return nil
	}
	ids, err := orch.SpawnManifest(ctx, manifest)
	if err != nil {
		return err
	}
	logger.Info("fleet running", map[string]string{"instances": fmt.Sprint(len(ids))})
	return nil
}

func shutdownTimeout(opts runOptions) time.Duration {
	if opts.ShutdownTimeout <= 0 {
		return defaultShutdownTimeout
	}
	return opts.ShutdownTimeout
}

func writeMetrics(path string, registry *metrics.Registry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := registry.WritePrometheus(file); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
