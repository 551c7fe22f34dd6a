package testrunner

import (
	"context"
	"strings"

	"github.com/jkaninda/jaribu/internal/runtimes"
)

// PytestRunner runs pytest in verbose mode and parses its per-test lines.
type PytestRunner struct{}

func (r *PytestRunner) Name() string { return "pytest" }

func (r *PytestRunner) CanRun(t *Target) bool {
	return t.Runtime == runtimes.Python && t.commandAvailable("pytest")
}

func (r *PytestRunner) Run(ctx context.Context, t *Target) (*Result, error) {
	command := []string{"pytest", "-v", "--capture=no", "--tb=short", "-p", "no:warnings"}
	res, err := t.exec(ctx, command, map[string]string{
		"PYTHONPATH": t.Sandbox.WorkDir,
	})
	if err != nil {
		return nil, err
	}

	// pytest exits 1 when tests failed, 2-5 for collection or internal errors.
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return executionFailure(r.Name(), res, "pytest execution failed"), nil
	}

	result := &Result{
		Runner:  r.Name(),
		Success: res.ExitCode == 0,
		Tests:   []CaseResult{},
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		// Per-test lines look like "tests/test_mod.py::test_name PASSED [ 33%]".
		// With --capture=no the suite's own prints interleave with the
		// report, so anchor on the node-id::status shape instead of bare
		// substring matching.
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "::") {
			continue
		}
		var outcome Outcome
		switch fields[1] {
		case "PASSED":
			outcome = OutcomePassed
		case "FAILED":
			outcome = OutcomeFailed
		case "SKIPPED":
			outcome = OutcomeSkipped
		default:
			continue
		}
		_, name, ok := strings.Cut(fields[0], "::")
		if !ok || name == "" {
			continue
		}
		result.Tests = append(result.Tests, CaseResult{Name: name, Outcome: outcome})
		result.Summary.Add(outcome)
	}
	return result, nil
}
