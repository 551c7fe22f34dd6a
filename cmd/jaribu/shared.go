package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkaninda/jaribu/internal/binary"
	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/janitor"
	"github.com/jkaninda/jaribu/internal/observability"
	"github.com/jkaninda/jaribu/internal/platform"
	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
	"github.com/jkaninda/jaribu/internal/service"
	"github.com/jkaninda/jaribu/internal/source"
	"github.com/jkaninda/jaribu/internal/storage"
	"github.com/jkaninda/jaribu/internal/testrunner"
)

// SharedComponents holds all initialized subsystems that every mode
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config      *config.Config
	Logger      *slog.Logger
	Obs         *observability.Observability
	Cache       *binary.Cache
	Sandboxes   *sandbox.Manager
	Provisioner *environment.Provisioner
	History     *storage.Store
	Service     *service.Service

	events   *eventFanout
	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Subscribe registers a sink for environment and test-run events.
func (sc *SharedComponents) Subscribe(fn environment.EventFunc) {
	sc.events.subscribe(fn)
}

// StartJanitor launches the janitor when configured. Returns a no-op
// cancel when the janitor is disabled.
func (sc *SharedComponents) StartJanitor(ctx context.Context) (func(), error) {
	if sc.Config.Janitor == nil {
		return func() {}, nil
	}
	j, err := janitor.New(sc.Provisioner, sc.Cache, sc.Config.Janitor, sc.Config.Cache.MaxBytes(), sc.Logger)
	if err != nil {
		return nil, err
	}
	return j.Start(ctx), nil
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		events: &eventFanout{},
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	// Observability (nil when disabled in config).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	if obs != nil {
		sc.addCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		})
	}

	// Binary cache and fetcher.
	cache, err := binary.NewCache(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing binary cache: %w", err)
	}
	sc.Cache = cache

	plat, err := platform.Resolve()
	if err != nil {
		return nil, fmt.Errorf("detecting platform: %w", err)
	}
	fetcher := binary.NewFetcher(cache, plat, logger,
		binary.WithCacheBudget(cfg.Cache.MaxBytes()),
		binary.WithOffline(cfg.Cache.Offline),
	)

	// Sandbox manager.
	sc.Sandboxes = sandbox.NewManager(sandbox.Config{
		BaseDir:        cfg.Sandbox.BaseDir,
		DefaultTimeout: cfg.Sandbox.Timeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
			MaxOpenFiles:  cfg.Sandbox.MaxOpenFiles,
			MaxProcesses:  cfg.Sandbox.MaxProcesses,
		},
	}, logger)

	// Run history store.
	history, err := storage.Open(cfg.Storage, cfg.SQLitePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening run history store: %w", err)
	}
	sc.History = history
	sc.addCleanup(func() {
		if err := history.Close(); err != nil {
			logger.Error("closing run history store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("run history store opened", slog.String("driver", history.Driver()))
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", history.Ping)
	}

	// Provisioner.
	registry := runtimes.Registry(runtimes.Versions{
		Node: cfg.Runtimes.NodeVersion,
		Bun:  cfg.Runtimes.BunVersion,
		UV:   cfg.Runtimes.UVVersion,
	})
	sc.Provisioner = environment.NewProvisioner(
		sc.Sandboxes,
		fetcher,
		source.NewFetcher(sc.Sandboxes, logger),
		registry,
		environment.NewStore(),
		logger,
		environment.WithObservability(obs),
		environment.WithEvents(sc.events.publish),
	)

	// Test runner registry, instrumented when observability is enabled.
	runnerReg := testrunner.NewRegistry(logger)
	for _, r := range obs.InstrumentRunners(testrunner.DefaultRunners()) {
		runnerReg.Register(r)
	}

	sc.Service = service.New(sc.Provisioner, sc.Sandboxes, runnerReg, history, logger,
		service.WithEvents(sc.events.publish),
	)

	return sc, nil
}

// eventFanout forwards each event to every subscribed sink.
type eventFanout struct {
	mu    sync.RWMutex
	sinks []environment.EventFunc
}

func (f *eventFanout) subscribe(fn environment.EventFunc) {
	f.mu.Lock()
	f.sinks = append(f.sinks, fn)
	f.mu.Unlock()
}

func (f *eventFanout) publish(ev environment.Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, fn := range sinks {
		fn(ev)
	}
}

// newLogger builds the process logger. Logs go to stderr: stdout is
// reserved for MCP transport and command output.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
