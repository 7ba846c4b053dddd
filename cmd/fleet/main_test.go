package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := []string{
		writeFile(t, dir, "fleet.toml", "[governor]\ninterval = \"30s\"\n"),
		writeFile(t, dir, "fleet.yaml", "instances:\n  - name: lead\n    children:\n      - name: worker\n"),
		writeFile(t, dir, "spawn.json", `{"name": "solo", "kind": "codex"}`),
	}
	out, err := execute(t, append([]string{"validate"}, good...)...)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(out, "ok   "))

	bad := writeFile(t, dir, "bad.yaml", "instances:\n  - name: lead\n    colour: red\n")
	unknown := writeFile(t, dir, "notes.txt", "hello")
	out, err = execute(t, "validate", good[0], bad, unknown)
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 of 3")
	require.Contains(t, out, "FAIL "+bad)
	require.Contains(t, out, "FAIL "+unknown)
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema")
	require.NoError(t, err)
	require.Contains(t, out, `"parent_id"`)

	out, err = execute(t, "schema", "manifest")
	require.NoError(t, err)
	require.Contains(t, out, `"children"`)

	out, err = execute(t, "schema", "--list")
	require.NoError(t, err)
	require.Contains(t, out, "manifest")
	require.Contains(t, out, "spawn-config")

	_, err = execute(t, "schema", "nope")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "fleet "))

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	require.Contains(t, out, `"version"`)
}

func TestRunStopsOnSignalAndWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "fleet.toml", "[registry]\ndriver = \"pty\"\nworkspace-root = \""+filepath.ToSlash(filepath.Join(dir, "work"))+"\"\n")
	metricsPath := filepath.Join(dir, "out", "metrics.prom")

	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- runFleet(context.Background(), runOptions{
			ConfigPath:      configPath,
			MetricsFile:     metricsPath,
			ShutdownTimeout: 5 * time.Second,
			Getenv:          func(string) string { return "" },
		}, &bytes.Buffer{}, signals)
	}()

	signals <- os.Interrupt
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after signal")
	}
	payload, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	require.Contains(t, string(payload), "fleet_instances_spawned_total")
}

func TestRunRejectsBadInput(t *testing.T) {
	noEnv := func(string) string { return "" }
	err := runFleet(context.Background(), runOptions{Overrides: []string{"novalue"}, Getenv: noEnv}, &bytes.Buffer{}, nil)
	require.Error(t, err)

	err = runFleet(context.Background(), runOptions{Overrides: []string{"registry.driver=screen"}, Getenv: noEnv}, &bytes.Buffer{}, nil)
	require.Error(t, err)

	err = runFleet(context.Background(), runOptions{ManifestPath: filepath.Join(t.TempDir(), "missing.yaml"), Getenv: noEnv}, &bytes.Buffer{}, nil)
	require.Error(t, err)
}

func TestWatchShutdownSignalsCancelsOnce(t *testing.T) {
	var cancels atomic.Int32
	signals := make(chan os.Signal, 2)
	stop := watchShutdownSignals(logging.Discard(), func() { cancels.Add(1) }, signals)
	defer stop()

	signals <- os.Interrupt
	signals <- os.Interrupt
	require.Eventually(t, func() bool { return len(signals) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), cancels.Load())
	stop()
}

func TestShutdownSequenceRunsInReverseOnce(t *testing.T) {
	var order []string
	seq := &shutdownSequence{logger: logging.Discard()}
	seq.Add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	seq.Add("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	seq.Add("skipped", nil)

	err := seq.Run(context.Background())
	require.ErrorContains(t, err, "boom")
	require.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, seq.Run(context.Background()))
	require.Len(t, order, 2)
}
