// Package service ties the provisioning pipeline, test execution, and run
// history together into the four operations every gateway exposes: create an
// environment from a repository or a local path, run its tests, inspect it,
// and clean it up.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/sandbox"
	"github.com/jkaninda/jaribu/internal/storage"
	"github.com/jkaninda/jaribu/internal/testrunner"
)

// Run outcomes recorded in the history store.
const (
	OutcomeProvisioned    = "provisioned"
	OutcomeSuccess        = "success"
	OutcomeFailures       = "failures"
	OutcomeExecutionError = "execution_error"
	OutcomeError          = "error"
)

// Service executes gateway operations against the provisioner and test
// runner registry. The history store may be nil, in which case runs are not
// recorded.
type Service struct {
	provisioner *environment.Provisioner
	sandboxes   *sandbox.Manager
	runners     *testrunner.Registry
	history     *storage.Store
	events      environment.EventFunc
	logger      *slog.Logger
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithEvents registers a sink for test-run lifecycle events. Provisioning
// events are wired on the provisioner itself.
func WithEvents(fn environment.EventFunc) Option {
	return func(s *Service) { s.events = fn }
}

// New creates a service. history may be nil to disable run recording.
func New(prov *environment.Provisioner, sandboxes *sandbox.Manager, runners *testrunner.Registry, history *storage.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		provisioner: prov,
		sandboxes:   sandboxes,
		runners:     runners,
		history:     history,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns the run history store, or nil when recording is disabled.
func (s *Service) History() *storage.Store { return s.history }

// CreateFromRepo provisions an environment from a GitHub repository URL.
func (s *Service) CreateFromRepo(ctx context.Context, url, branch string) (*environment.Environment, error) {
	env, err := s.provisioner.CreateFromRepo(ctx, url, branch)
	s.recordProvision(ctx, env, url, branch, err)
	return env, err
}

// CreateFromPath provisions an environment from a local project directory.
func (s *Service) CreateFromPath(ctx context.Context, path string) (*environment.Environment, error) {
	env, err := s.provisioner.CreateFromPath(ctx, path)
	s.recordProvision(ctx, env, path, "", err)
	return env, err
}

// Get looks up a live environment by ID.
func (s *Service) Get(id string) (*environment.Environment, error) {
	return s.provisioner.Get(id)
}

// List returns all live environments.
func (s *Service) List() []*environment.Environment {
	return s.provisioner.Store().List()
}

// Cleanup tears down an environment and removes it from the store.
func (s *Service) Cleanup(id string) error {
	return s.provisioner.Destroy(id)
}

// RunTests auto-detects the test framework in the environment's working
// directory, executes the suite, records the outcome, and returns the
// normalized result. Returns testrunner.ErrNoRunnerDetected when no
// framework applies.
func (s *Service) RunTests(ctx context.Context, envID string) (*testrunner.Result, error) {
	env, err := s.provisioner.Get(envID)
	if err != nil {
		return nil, err
	}

	target := &testrunner.Target{
		Runtime: env.Runtime.Name,
		Sandbox: env.Sandbox,
		Manager: s.sandboxes,
	}

	s.emit(environment.Event{Type: "test_run.started", EnvironmentID: env.ID, Runtime: string(env.Runtime.Name)})

	start := time.Now()
	res, err := s.runners.RunAuto(ctx, target)
	took := time.Since(start)

	rec := &storage.RunRecord{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Source:        env.Source,
		Branch:        env.Branch,
		Runtime:       string(env.Runtime.Name),
		DurationMS:    took.Milliseconds(),
	}
	switch {
	case err != nil:
		rec.Outcome = OutcomeError
		rec.Detail = err.Error()
	case res.Error != "":
		rec.Runner = res.Runner
		rec.Outcome = OutcomeExecutionError
		rec.Detail = res.Error
	default:
		rec.Runner = res.Runner
		rec.Outcome = OutcomeSuccess
		if !res.Success {
			rec.Outcome = OutcomeFailures
		}
		rec.Total = res.Summary.Total
		rec.Passed = res.Summary.Passed
		rec.Failed = res.Summary.Failed
		rec.Skipped = res.Summary.Skipped
	}
	s.saveRun(ctx, rec)

	ev := environment.Event{
		Type:          "test_run.finished",
		EnvironmentID: env.ID,
		Runtime:       string(env.Runtime.Name),
		Detail:        rec.Outcome,
	}
	if errors.Is(err, testrunner.ErrNoRunnerDetected) {
		ev.Detail = "no_runner"
	}
	s.emit(ev)

	return res, err
}

// RunsForEnvironment returns recorded runs for one environment, newest
// first. Empty when history is disabled.
func (s *Service) RunsForEnvironment(ctx context.Context, envID string) ([]*storage.RunRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListRunsForEnvironment(ctx, envID)
}

// Runs returns the most recent recorded runs across all environments.
func (s *Service) Runs(ctx context.Context, limit int) ([]*storage.RunRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListRuns(ctx, limit)
}

func (s *Service) recordProvision(ctx context.Context, env *environment.Environment, src, branch string, provErr error) {
	rec := &storage.RunRecord{
		ID:      uuid.NewString(),
		Source:  src,
		Branch:  branch,
		Outcome: OutcomeProvisioned,
	}
	if provErr != nil {
		rec.Outcome = OutcomeError
		rec.Detail = provErr.Error()
	}
	if env != nil {
		rec.EnvironmentID = env.ID
		rec.Runtime = string(env.Runtime.Name)
	}
	s.saveRun(ctx, rec)
}

// saveRun records a run without failing the operation on storage errors.
func (s *Service) saveRun(ctx context.Context, rec *storage.RunRecord) {
	if s.history == nil {
		return
	}
	if err := s.history.SaveRun(ctx, rec); err != nil {
		s.logger.Warn("recording run failed",
			slog.String("environment_id", rec.EnvironmentID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) emit(ev environment.Event) {
	if s.events == nil {
		return
	}
	ev.Time = time.Now().UTC()
	s.events(ev)
}
