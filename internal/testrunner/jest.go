package testrunner

import (
	"context"

	"github.com/jkaninda/jaribu/internal/runtimes"
)

// JestRunner runs jest with --json output.
type JestRunner struct{}

func (r *JestRunner) Name() string { return "jest" }

func (r *JestRunner) CanRun(t *Target) bool {
	if t.Runtime != runtimes.Node {
		return false
	}
	return t.hasAnyFile("jest.config.js", "jest.config.mjs", "jest.config.json") &&
		t.commandAvailable("jest")
}

func (r *JestRunner) Run(ctx context.Context, t *Target) (*Result, error) {
	res, err := t.exec(ctx, []string{"jest", "--json"}, nil)
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 && res.ExitCode != 1 {
		return executionFailure(r.Name(), res, "jest execution failed"), nil
	}
	rep, ok := parseJSReport(res.Stdout)
	if !ok {
		return executionFailure(r.Name(), res, "jest produced no parseable report"), nil
	}

	result := rep.toResult(r.Name())
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	return result, nil
}
