package testrunner

import (
	"context"
	"strings"

	"github.com/jkaninda/jaribu/internal/runtimes"
)

// BunTestRunner runs `bun test` and parses its per-test status lines.
type BunTestRunner struct{}

func (r *BunTestRunner) Name() string { return "bun" }

func (r *BunTestRunner) CanRun(t *Target) bool {
	return t.Runtime == runtimes.Bun && t.commandAvailable("bun")
}

func (r *BunTestRunner) Run(ctx context.Context, t *Target) (*Result, error) {
	res, err := t.exec(ctx, []string{"bun", "test"}, nil)
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 && res.ExitCode != 1 {
		return executionFailure(r.Name(), res, "bun test execution failed"), nil
	}

	result := &Result{
		Runner:  r.Name(),
		Success: res.ExitCode == 0,
		Tests:   []CaseResult{},
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
	}
	// bun prints its test report to stderr: "✓ name [0.02ms]",
	// "✗ name", "» name" for skips. Older releases use
	// "(pass)" / "(fail)" / "(skip)" prefixes.
	for _, line := range strings.Split(res.Stdout+"\n"+res.Stderr, "\n") {
		line = strings.TrimSpace(line)
		var outcome Outcome
		var rest string
		switch {
		case strings.HasPrefix(line, "✓ "), strings.HasPrefix(line, "(pass) "):
			outcome, rest = OutcomePassed, line
		case strings.HasPrefix(line, "✗ "), strings.HasPrefix(line, "(fail) "):
			outcome, rest = OutcomeFailed, line
		case strings.HasPrefix(line, "» "), strings.HasPrefix(line, "(skip) "):
			outcome, rest = OutcomeSkipped, line
		default:
			continue
		}
		_, name, _ := strings.Cut(rest, " ")
		if i := strings.LastIndex(name, " ["); i > 0 && strings.HasSuffix(name, "]") {
			name = name[:i]
		}
		result.Tests = append(result.Tests, CaseResult{Name: strings.TrimSpace(name), Outcome: outcome})
		result.Summary.Add(outcome)
	}
	return result, nil
}
