package janitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/jaribu/internal/binary"
	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/platform"
	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
	"github.com/jkaninda/jaribu/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProvisioner(t *testing.T) (*environment.Provisioner, *binary.Cache) {
	t.Helper()

	cache, err := binary.NewCache(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := binary.NewFetcher(cache, platform.Info{
		OS: "linux", Arch: "x86_64", Format: platform.FormatTarGz,
		NodePlatform: "linux-x64", BunPlatform: "linux-x64", UVPlatform: "linux-x86_64",
	}, discardLogger())

	registry := []runtimes.Config{{
		Name:           runtimes.Python,
		PackageManager: runtimes.UV,
		DetectionFiles: []string{"pyproject.toml"},
	}}

	mgr := sandbox.NewManager(sandbox.Config{BaseDir: t.TempDir()}, discardLogger())
	return environment.NewProvisioner(
		mgr,
		fetcher,
		source.NewFetcher(mgr, discardLogger()),
		registry,
		environment.NewStore(),
		discardLogger(),
	), cache
}

func createEnvironment(t *testing.T, prov *environment.Provisioner) *environment.Environment {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname = \"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env, err := prov.CreateFromPath(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestSweepReapsStaleEnvironments(t *testing.T) {
	prov, cache := newProvisioner(t)
	stale := createEnvironment(t, prov)
	fresh := createEnvironment(t, prov)
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)

	j, err := New(prov, cache, &config.JanitorConfig{EnvironmentTTLMin: 60}, 1<<30, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Sweep()

	if _, err := prov.Get(stale.ID); err == nil {
		t.Error("stale environment should be reaped")
	}
	if _, err := prov.Get(fresh.ID); err != nil {
		t.Errorf("fresh environment should survive: %v", err)
	}
}

func TestSweepWithoutCache(t *testing.T) {
	prov, _ := newProvisioner(t)

	j, err := New(prov, nil, &config.JanitorConfig{}, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Sweep() // must not panic
}

func TestNewRejectsBadSchedule(t *testing.T) {
	prov, cache := newProvisioner(t)

	if _, err := New(prov, cache, &config.JanitorConfig{Schedule: "not a schedule"}, 0, discardLogger()); err == nil {
		t.Error("invalid cron expression should be rejected")
	}
}

func TestStartStops(t *testing.T) {
	prov, cache := newProvisioner(t)

	j, err := New(prov, cache, &config.JanitorConfig{Schedule: "@every 1h"}, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	cancel := j.Start(context.Background())
	cancel()
}
