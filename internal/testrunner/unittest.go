package testrunner

import (
	"context"
	"strings"

	"github.com/jkaninda/jaribu/internal/runtimes"
)

// UnittestRunner runs `python -m unittest discover -v` and parses the
// verbose "name ... ok" lines.
type UnittestRunner struct{}

func (r *UnittestRunner) Name() string { return "unittest" }

func (r *UnittestRunner) CanRun(t *Target) bool {
	if t.Runtime != runtimes.Python {
		return false
	}
	return t.anyTestFileContains("test_*.py",
		"import unittest",
		"from unittest",
		"unittest.TestCase",
	)
}

func (r *UnittestRunner) Run(ctx context.Context, t *Target) (*Result, error) {
	command := []string{"python", "-m", "unittest", "discover", "-v"}
	res, err := t.exec(ctx, command, map[string]string{
		"PYTHONPATH": t.Sandbox.WorkDir,
	})
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 && res.ExitCode != 1 {
		return executionFailure(r.Name(), res, "unittest execution failed"), nil
	}

	result := &Result{
		Runner:  r.Name(),
		Success: res.ExitCode == 0,
		Tests:   []CaseResult{},
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
	}
	// unittest's verbose report goes to stderr.
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		if !strings.Contains(line, " ... ") {
			continue
		}
		// "test_name (module.TestClass.test_name) ... ok"
		name := strings.TrimSpace(strings.SplitN(line, " ... ", 2)[0])
		if i := strings.Index(name, "("); i > 0 {
			name = strings.TrimSpace(name[:i])
		}
		lower := strings.ToLower(line)
		outcome := OutcomeFailed
		switch {
		case strings.Contains(lower, "skipped"):
			outcome = OutcomeSkipped
		case strings.Contains(lower, "ok"):
			outcome = OutcomePassed
		}
		result.Tests = append(result.Tests, CaseResult{Name: name, Outcome: outcome})
		result.Summary.Add(outcome)
	}
	return result, nil
}
