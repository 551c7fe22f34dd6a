// Package testrunner detects and runs a project's test framework inside a
// provisioned sandbox, normalizing output into a single result shape.
package testrunner

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
)

// ErrNoRunnerDetected indicates no registered runner could handle the
// project in the sandbox.
var ErrNoRunnerDetected = errors.New("no test runner detected")

// Outcome is the normalized status of a single test case.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// CaseResult is one test case in normalized form.
type CaseResult struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
}

// Summary aggregates case outcomes. Total always equals
// Passed + Failed + Skipped when built through Add.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Add records one case outcome in the summary.
func (s *Summary) Add(o Outcome) {
	s.Total++
	switch o {
	case OutcomePassed:
		s.Passed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Consistent reports whether the counts add up.
func (s Summary) Consistent() bool {
	return s.Total == s.Passed+s.Failed+s.Skipped
}

// Result is the normalized outcome of one test run.
type Result struct {
	Runner  string       `json:"runner"`
	Success bool         `json:"success"`
	Summary Summary      `json:"summary"`
	Tests   []CaseResult `json:"tests"`
	Stdout  string       `json:"stdout,omitempty"`
	Stderr  string       `json:"stderr,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Target is the environment a runner operates on: the detected runtime and
// the sandbox to execute in.
type Target struct {
	Runtime runtimes.Name
	Sandbox *sandbox.Sandbox
	Manager *sandbox.Manager
}

// Runner adapts one test framework to the normalized result shape.
type Runner interface {
	// Name identifies the framework ("pytest", "vitest", ...).
	Name() string
	// CanRun reports whether this runner applies to the target project.
	CanRun(t *Target) bool
	// Run executes the framework's test suite and parses its output.
	Run(ctx context.Context, t *Target) (*Result, error)
}

// Registry holds runners in registration order; detection returns the
// first runner whose CanRun accepts the target.
type Registry struct {
	runners []Runner
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// DefaultRunners returns the built-in runners in their canonical priority
// order.
func DefaultRunners() []Runner {
	return []Runner{
		&PytestRunner{},
		&UnittestRunner{},
		&VitestRunner{},
		&JestRunner{},
		&BunTestRunner{},
	}
}

// DefaultRegistry returns a registry with the built-in runners.
func DefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, runner := range DefaultRunners() {
		r.Register(runner)
	}
	return r
}

// Register appends a runner. Earlier registrations win detection ties.
func (r *Registry) Register(runner Runner) {
	r.runners = append(r.runners, runner)
}

// Detect returns the first applicable runner for the target.
func (r *Registry) Detect(t *Target) (Runner, error) {
	for _, runner := range r.runners {
		if runner.CanRun(t) {
			r.logger.Info("test runner detected",
				slog.String("runner", runner.Name()),
				slog.String("runtime", string(t.Runtime)),
			)
			return runner, nil
		}
	}
	return nil, ErrNoRunnerDetected
}

// DetectAll returns every applicable runner in registration order.
func (r *Registry) DetectAll(t *Target) []Runner {
	var applicable []Runner
	for _, runner := range r.runners {
		if runner.CanRun(t) {
			applicable = append(applicable, runner)
		}
	}
	return applicable
}

// RunAll executes every applicable runner and returns their results in
// registration order. A runner failure aborts the sequence; results from
// runners that already completed are returned alongside the error.
func (r *Registry) RunAll(ctx context.Context, t *Target) ([]*Result, error) {
	runners := r.DetectAll(t)
	if len(runners) == 0 {
		return nil, ErrNoRunnerDetected
	}
	results := make([]*Result, 0, len(runners))
	for _, runner := range runners {
		res, err := runner.Run(ctx, t)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunAuto detects the applicable runner and executes it.
func (r *Registry) RunAuto(ctx context.Context, t *Target) (*Result, error) {
	runner, err := r.Detect(t)
	if err != nil {
		return nil, err
	}
	res, err := runner.Run(ctx, t)
	if err != nil {
		return nil, err
	}
	r.logger.Info("test run complete",
		slog.String("runner", res.Runner),
		slog.Bool("success", res.Success),
		slog.Int("total", res.Summary.Total),
		slog.Int("failed", res.Summary.Failed),
	)
	return res, nil
}

// exec runs a command inside the target sandbox.
func (t *Target) exec(ctx context.Context, command []string, extraEnv map[string]string) (*sandbox.ExecResult, error) {
	return t.Manager.Run(ctx, t.Sandbox, command, extraEnv)
}

// commandAvailable checks the sandbox PATH for an executable.
func (t *Target) commandAvailable(name string) bool {
	for _, dir := range filepath.SplitList(t.Sandbox.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return true
		}
	}
	return false
}

// hasAnyFile reports whether any of the names exists at the work dir root.
func (t *Target) hasAnyFile(names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(t.Sandbox.WorkDir, name)); err == nil {
			return true
		}
	}
	return false
}

// anyTestFileContains walks the work dir for files matching pattern and
// reports whether any contains one of the given substrings.
func (t *Target) anyTestFileContains(pattern string, substrings ...string) bool {
	found := false
	_ = filepath.WalkDir(t.Sandbox.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if d.IsDir() {
			name := d.Name()
			if path != t.Sandbox.WorkDir && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(data)
		for _, s := range substrings {
			if strings.Contains(content, s) {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}

// executionFailure builds the result for a run whose exit code means the
// framework itself broke rather than reporting test failures.
func executionFailure(runner string, res *sandbox.ExecResult, reason string) *Result {
	return &Result{
		Runner:  runner,
		Success: false,
		Tests:   []CaseResult{},
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Error:   reason,
	}
}
