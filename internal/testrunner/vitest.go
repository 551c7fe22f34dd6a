package testrunner

import (
	"context"

	"github.com/jkaninda/jaribu/internal/runtimes"
)

// VitestRunner runs vitest with its JSON reporter.
type VitestRunner struct{}

func (r *VitestRunner) Name() string { return "vitest" }

func (r *VitestRunner) CanRun(t *Target) bool {
	if t.Runtime != runtimes.Node && t.Runtime != runtimes.Bun {
		return false
	}
	return t.hasAnyFile("vitest.config.js", "vitest.config.ts", "vite.config.js") &&
		t.commandAvailable("vitest")
}

func (r *VitestRunner) Run(ctx context.Context, t *Target) (*Result, error) {
	res, err := t.exec(ctx, []string{"vitest", "run", "--reporter", "json"}, nil)
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 && res.ExitCode != 1 {
		return executionFailure(r.Name(), res, "vitest execution failed"), nil
	}
	rep, ok := parseJSReport(res.Stdout)
	if !ok {
		return executionFailure(r.Name(), res, "vitest produced no parseable report"), nil
	}

	result := rep.toResult(r.Name())
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	return result, nil
}
