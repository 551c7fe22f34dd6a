package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/jaribu/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(nil, filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(envID, outcome string) *RunRecord {
	return &RunRecord{
		ID:            uuid.NewString(),
		EnvironmentID: envID,
		Source:        "https://github.com/owner/repo",
		Runtime:       "python",
		Runner:        "pytest",
		Outcome:       outcome,
		Total:         3,
		Passed:        2,
		Failed:        1,
		DurationMS:    1234,
	}
}

func TestOpenDefaultsToSQLite(t *testing.T) {
	s := newTestStore(t)
	if s.Driver() != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	rec := record("env-1", "failures")

	if err := s.SaveRun(context.Background(), rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	got, err := s.GetRun(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.EnvironmentID != "env-1" || got.Outcome != "failures" || got.Failed != 1 {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set on save")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(context.Background(), uuid.NewString()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := record("env-1", "success")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := record("env-1", "failures")

	if err := s.SaveRun(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(ctx, newer); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].ID != newer.ID {
		t.Error("newest record should come first")
	}
}

func TestListRunsForEnvironment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, envID := range []string{"env-a", "env-a", "env-b"} {
		if err := s.SaveRun(ctx, record(envID, "success")); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListRunsForEnvironment(ctx, "env-a")
	if err != nil {
		t.Fatalf("ListRunsForEnvironment: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records for env-a, want 2", len(recs))
	}
}

func TestOpenPostgresRequiresReachableServer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.StorageConfig{
		Driver:   DriverPostgres,
		Postgres: &config.PostgresStorageConfig{DSN: "postgres://nobody@127.0.0.1:1/none"},
	}
	if _, err := Open(cfg, "", logger); err == nil {
		t.Skip("unexpected local postgres on port 1")
	}
}
