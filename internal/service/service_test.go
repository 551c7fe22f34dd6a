package service

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jkaninda/jaribu/internal/binary"
	"github.com/jkaninda/jaribu/internal/environment"
	"github.com/jkaninda/jaribu/internal/platform"
	"github.com/jkaninda/jaribu/internal/runtimes"
	"github.com/jkaninda/jaribu/internal/sandbox"
	"github.com/jkaninda/jaribu/internal/source"
	"github.com/jkaninda/jaribu/internal/storage"
	"github.com/jkaninda/jaribu/internal/testrunner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func makeTarGz(t *testing.T, entryPath, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name:     entryPath,
		Mode:     0o755,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// stubRunner reports CanRun for everything and returns a canned result.
type stubRunner struct {
	result *testrunner.Result
	err    error
}

func (s *stubRunner) Name() string { return "stub" }

func (s *stubRunner) CanRun(*testrunner.Target) bool { return true }

func (s *stubRunner) Run(context.Context, *testrunner.Target) (*testrunner.Result, error) {
	return s.result, s.err
}

type fixture struct {
	svc     *Service
	history *storage.Store
	events  []environment.Event
}

// newFixture wires a service against an httptest binary server, a
// single-runtime registry whose install command is the fetched shell
// script, a SQLite history store, and the given test runners.
func newFixture(t *testing.T, runners ...testrunner.Runner) *fixture {
	t.Helper()

	archive := makeTarGz(t, "uv-1.0.0/uv", "#!/bin/sh\nexit 0\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	cache, err := binary.NewCache(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := binary.NewFetcher(cache, platform.Info{
		OS:           "linux",
		Arch:         "x86_64",
		Format:       platform.FormatTarGz,
		NodePlatform: "linux-x64",
		BunPlatform:  "linux-x64",
		UVPlatform:   "linux-x86_64",
	}, discardLogger())

	registry := []runtimes.Config{{
		Name:           runtimes.Python,
		PackageManager: runtimes.UV,
		DetectionFiles: []string{"pyproject.toml"},
		BinaryName:     "uv",
		Binaries: []binary.Spec{{
			Name:        "uv",
			Version:     "1.0.0",
			URLTemplate: srv.URL + "/uv-{version}-{platform}.tar.gz",
		}},
		InstallCommand: []string{"uv"},
		PackageBinDir:  filepath.Join(".venv", "bin"),
	}}

	mgr := sandbox.NewManager(sandbox.Config{BaseDir: t.TempDir()}, discardLogger())
	prov := environment.NewProvisioner(
		mgr,
		fetcher,
		source.NewFetcher(mgr, discardLogger()),
		registry,
		environment.NewStore(),
		discardLogger(),
	)

	history, err := storage.Open(nil, filepath.Join(t.TempDir(), "runs.db"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { history.Close() })

	reg := testrunner.NewRegistry(discardLogger())
	for _, r := range runners {
		reg.Register(r)
	}

	f := &fixture{history: history}
	f.svc = New(prov, mgr, reg, history, discardLogger(),
		WithEvents(func(ev environment.Event) { f.events = append(f.events, ev) }),
	)
	return f
}

func pythonProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname = \"demo\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func (f *fixture) provision(t *testing.T) *environment.Environment {
	t.Helper()
	env, err := f.svc.CreateFromPath(context.Background(), pythonProject(t))
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	return env
}

func TestRunTestsRecordsHistory(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t, &stubRunner{result: &testrunner.Result{
		Runner:  "stub",
		Success: true,
		Summary: testrunner.Summary{Total: 3, Passed: 2, Failed: 0, Skipped: 1},
	}})
	env := f.provision(t)

	res, err := f.svc.RunTests(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if !res.Success || res.Runner != "stub" {
		t.Errorf("result = %+v", res)
	}

	runs, err := f.svc.RunsForEnvironment(context.Background(), env.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs for environment, want 1", len(runs))
	}
	rec := runs[0]
	if rec.Outcome != OutcomeSuccess || rec.Runner != "stub" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Total != 3 || rec.Passed != 2 || rec.Skipped != 1 {
		t.Errorf("counts = %d/%d/%d/%d", rec.Total, rec.Passed, rec.Failed, rec.Skipped)
	}

	// The provision itself is recorded too, without an environment filter.
	all, err := f.svc.Runs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d total runs, want 2", len(all))
	}

	var started, finished bool
	for _, ev := range f.events {
		switch ev.Type {
		case "test_run.started":
			started = true
		case "test_run.finished":
			finished = ev.Detail == OutcomeSuccess
		}
	}
	if !started || !finished {
		t.Errorf("missing test run events: %+v", f.events)
	}
}

func TestRunTestsFailuresOutcome(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t, &stubRunner{result: &testrunner.Result{
		Runner:  "stub",
		Success: false,
		Summary: testrunner.Summary{Total: 2, Passed: 1, Failed: 1},
	}})
	env := f.provision(t)

	res, err := f.svc.RunTests(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if res.Success {
		t.Error("result should report failures")
	}

	runs, _ := f.svc.RunsForEnvironment(context.Background(), env.ID)
	if len(runs) != 1 || runs[0].Outcome != OutcomeFailures {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunTestsExecutionErrorOutcome(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t, &stubRunner{result: &testrunner.Result{
		Runner: "stub",
		Error:  "command crashed with exit code 3",
	}})
	env := f.provision(t)

	if _, err := f.svc.RunTests(context.Background(), env.ID); err != nil {
		t.Fatalf("RunTests: %v", err)
	}

	runs, _ := f.svc.RunsForEnvironment(context.Background(), env.ID)
	if len(runs) != 1 || runs[0].Outcome != OutcomeExecutionError {
		t.Errorf("runs = %+v", runs)
	}
	if runs[0].Detail == "" {
		t.Error("execution error detail should be recorded")
	}
}

func TestRunTestsNoRunnerDetected(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t) // no runners registered
	env := f.provision(t)

	_, err := f.svc.RunTests(context.Background(), env.ID)
	if !errors.Is(err, testrunner.ErrNoRunnerDetected) {
		t.Fatalf("err = %v, want ErrNoRunnerDetected", err)
	}

	var finished string
	for _, ev := range f.events {
		if ev.Type == "test_run.finished" {
			finished = ev.Detail
		}
	}
	if finished != "no_runner" {
		t.Errorf("finished detail = %q", finished)
	}
}

func TestRunTestsUnknownEnvironment(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t)

	_, err := f.svc.RunTests(context.Background(), "missing")
	if !errors.Is(err, environment.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanup(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t)
	env := f.provision(t)

	if err := f.svc.Cleanup(env.ID); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := f.svc.Get(env.ID); !errors.Is(err, environment.ErrNotFound) {
		t.Errorf("environment still present after cleanup: %v", err)
	}
	if len(f.svc.List()) != 0 {
		t.Error("List should be empty after cleanup")
	}
}

func TestNilHistoryIsSafe(t *testing.T) {
	skipIfNoShell(t)
	f := newFixture(t, &stubRunner{result: &testrunner.Result{Runner: "stub", Success: true}})
	f.svc.history = nil
	env := f.provision(t)

	if _, err := f.svc.RunTests(context.Background(), env.ID); err != nil {
		t.Fatalf("RunTests: %v", err)
	}
	if runs, err := f.svc.Runs(context.Background(), 10); err != nil || runs != nil {
		t.Errorf("Runs = %v, %v", runs, err)
	}
}
