package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/jaribu/internal/binary"
	"github.com/jkaninda/jaribu/internal/observability"
	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
	"github.com/jkaninda/jaribu/internal/source"
)

// Provisioner builds environments: sandbox, sources, runtime binaries,
// dependencies. Every failure path tears the sandbox down.
type Provisioner struct {
	sandboxes *sandbox.Manager
	binaries  *binary.Fetcher
	sources   *source.Fetcher
	registry  []runtimes.Config
	store     *Store
	obs       *observability.Observability
	events    EventFunc
	logger    *slog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithObservability attaches metrics, tracing, and anomaly detection.
func WithObservability(obs *observability.Observability) Option {
	return func(p *Provisioner) { p.obs = obs }
}

// WithEvents attaches a lifecycle event sink.
func WithEvents(fn EventFunc) Option {
	return func(p *Provisioner) { p.events = fn }
}

// NewProvisioner creates a provisioner. registry is the ordered runtime
// detection registry, usually runtimes.Registry(versions).
func NewProvisioner(sandboxes *sandbox.Manager, binaries *binary.Fetcher, sources *source.Fetcher, registry []runtimes.Config, store *Store, logger *slog.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		sandboxes: sandboxes,
		binaries:  binaries,
		sources:   sources,
		registry:  registry,
		store:     store,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the environment store the provisioner registers into.
func (p *Provisioner) Store() *Store { return p.store }

// CreateFromRepo provisions an environment from a GitHub repository.
func (p *Provisioner) CreateFromRepo(ctx context.Context, url, branch string) (*Environment, error) {
	return p.create(ctx, url, branch, func(ctx context.Context, sb *sandbox.Sandbox) error {
		return p.sources.Clone(ctx, sb, url, branch)
	})
}

// CreateFromPath provisions an environment from a local directory.
func (p *Provisioner) CreateFromPath(ctx context.Context, path string) (*Environment, error) {
	return p.create(ctx, path, "", func(_ context.Context, sb *sandbox.Sandbox) error {
		return p.sources.Copy(sb, path)
	})
}

func (p *Provisioner) create(ctx context.Context, src, branch string, populate func(context.Context, *sandbox.Sandbox) error) (env *Environment, err error) {
	id := uuid.NewString()
	start := time.Now()

	p.logger.Info("creating environment",
		slog.String("env_id", id),
		slog.String("source", src),
	)
	p.emit(Event{Type: "environment.creating", EnvironmentID: id, Detail: src})

	sb, err := p.sandboxes.Create("jaribu-" + id[:8])
	if err != nil {
		p.recordOutcome("", "error", time.Since(start))
		return nil, err
	}
	// Sandbox teardown on any later failure.
	defer func() {
		if err != nil {
			if derr := p.sandboxes.Destroy(sb); derr != nil {
				p.logger.Error("tearing down failed environment",
					slog.String("env_id", id),
					slog.String("error", derr.Error()),
				)
			}
			p.emit(Event{Type: "environment.failed", EnvironmentID: id, Detail: err.Error()})
		}
	}()
	p.sandboxes.ApplyRestrictions(sb)

	phaseCtx, endPhase := p.obs.StartPhase(ctx, "fetch_source", id)
	err = populate(phaseCtx, sb)
	endPhase(err)
	if err != nil {
		p.recordOutcome("", "error", time.Since(start))
		return nil, err
	}

	_, endPhase = p.obs.StartPhase(ctx, "detect", id)
	cfg, err := runtimes.Detect(sb.WorkDir, p.registry, p.logger)
	endPhase(err)
	if err != nil {
		p.recordOutcome("", "error", time.Since(start))
		return nil, err
	}
	p.emit(Event{Type: "environment.runtime_detected", EnvironmentID: id, Runtime: string(cfg.Name)})

	for key, value := range cfg.EnvSetup {
		sb.Setenv(key, value)
	}

	phaseCtx, endPhase = p.obs.StartPhase(ctx, "install_binaries", id)
	err = p.installBinaries(phaseCtx, sb, cfg)
	endPhase(err)
	if err != nil {
		p.recordOutcome(string(cfg.Name), "error", time.Since(start))
		return nil, err
	}

	phaseCtx, endPhase = p.obs.StartPhase(ctx, "install_dependencies", id)
	err = p.installDependencies(phaseCtx, sb, cfg)
	endPhase(err)
	if err != nil {
		p.recordOutcome(string(cfg.Name), "error", time.Since(start))
		return nil, err
	}

	// Installed project executables resolve ahead of the runtime binaries.
	sb.PrependPath(filepath.Join(sb.WorkDir, cfg.PackageBinDir))

	env = &Environment{
		ID:        id,
		Source:    src,
		Branch:    branch,
		Runtime:   cfg,
		Sandbox:   sb,
		CreatedAt: time.Now().UTC(),
	}
	p.store.Add(env)
	p.recordOutcome(string(cfg.Name), "success", time.Since(start))
	p.emit(Event{Type: "environment.ready", EnvironmentID: id, Runtime: string(cfg.Name)})

	p.logger.Info("environment ready",
		slog.String("env_id", id),
		slog.String("runtime", string(cfg.Name)),
		slog.Duration("took", time.Since(start)),
	)
	return env, nil
}

// installBinaries acquires each runtime binary and copies it into the
// sandbox bin dir. Copying rather than linking keeps live environments
// working if cache eviction removes the entry.
func (p *Provisioner) installBinaries(ctx context.Context, sb *sandbox.Sandbox, cfg runtimes.Config) error {
	for _, spec := range cfg.Binaries {
		cached, err := p.binaries.Ensure(ctx, spec)
		if err != nil {
			return fmt.Errorf("acquiring %s: %w", spec.Name, err)
		}
		target := filepath.Join(sb.BinDir, spec.Name)
		if err := copyExecutable(cached, target); err != nil {
			return fmt.Errorf("installing %s into sandbox: %w", spec.Name, err)
		}
	}
	return nil
}

// installDependencies runs the runtime's install command in the work dir.
func (p *Provisioner) installDependencies(ctx context.Context, sb *sandbox.Sandbox, cfg runtimes.Config) error {
	if len(cfg.InstallCommand) == 0 {
		return nil
	}
	p.logger.Info("installing dependencies",
		slog.String("package_manager", string(cfg.PackageManager)),
	)
	res, err := p.sandboxes.Run(ctx, sb, cfg.InstallCommand, nil)
	if err != nil {
		return fmt.Errorf("running %s: %w", strings.Join(cfg.InstallCommand, " "), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s",
			ErrInstallFailed, strings.Join(cfg.InstallCommand, " "), res.ExitCode, lastLines(res.Stderr))
	}
	return nil
}

// Get returns a live environment by ID.
func (p *Provisioner) Get(id string) (*Environment, error) {
	return p.store.Get(id)
}

// Destroy tears down an environment and removes it from the store.
func (p *Provisioner) Destroy(id string) error {
	env, err := p.store.Get(id)
	if err != nil {
		return err
	}
	p.store.Remove(id)
	if err := p.sandboxes.Destroy(env.Sandbox); err != nil {
		return err
	}
	if m := p.obs.MetricsOrNil(); m != nil {
		m.ActiveEnvironments.Set(float64(p.store.Len()))
	}
	p.emit(Event{Type: "environment.destroyed", EnvironmentID: id})
	p.logger.Info("environment destroyed", slog.String("env_id", id))
	return nil
}

// DestroyStale destroys environments older than ttl and returns how many
// were reaped.
func (p *Provisioner) DestroyStale(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	reaped := 0
	for _, env := range p.store.List() {
		if env.CreatedAt.Before(cutoff) {
			if err := p.Destroy(env.ID); err != nil {
				p.logger.Warn("reaping stale environment",
					slog.String("env_id", env.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			reaped++
		}
	}
	return reaped
}

func (p *Provisioner) emit(ev Event) {
	if p.events == nil {
		return
	}
	ev.Time = time.Now().UTC()
	p.events(ev)
}

func (p *Provisioner) recordOutcome(runtime, status string, took time.Duration) {
	if m := p.obs.MetricsOrNil(); m != nil {
		if runtime == "" {
			runtime = "unknown"
		}
		m.EnvironmentsCreatedTotal.WithLabelValues(runtime, status).Inc()
		if status == "success" {
			m.ProvisionDuration.WithLabelValues(runtime).Observe(took.Seconds())
			m.ActiveEnvironments.Set(float64(p.store.Len()))
		}
	}
	if p.obs != nil && p.obs.Anomaly != nil {
		if status == "success" {
			p.obs.Anomaly.RecordSuccess("provision")
		} else {
			p.obs.Anomaly.RecordError("provision")
		}
	}
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func lastLines(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
