package binary

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

// writeSource creates a fake binary file to store.
func writeSource(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStoreAndLookup(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, "#!/bin/sh\necho node\n")
	stored, err := c.Store("node", "20.10.0", src, "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	info, err := os.Stat(stored)
	if err != nil {
		t.Fatalf("stored binary missing: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("stored binary is not executable")
	}

	got, ok := c.Lookup("node", "20.10.0")
	if !ok {
		t.Fatal("Lookup missed a freshly stored entry")
	}
	if got != stored {
		t.Errorf("Lookup path = %q, want %q", got, stored)
	}
}

func TestLookupMissesUnknownEntry(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Lookup("bun", "1.0.21"); ok {
		t.Error("Lookup hit for an entry that was never stored")
	}
}

func TestLookupDetectsCorruption(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, "original content")
	stored, err := c.Store("uv", "0.5.0", src, "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Flip a byte in the cached file. The recorded digest no longer matches,
	// so the entry must turn into a miss.
	data, err := os.ReadFile(stored)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(stored, data, 0o755); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup("uv", "0.5.0"); ok {
		t.Error("Lookup returned a hit for a corrupted entry")
	}
}

func TestStoreChecksumMismatch(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, "some binary")
	wrong := strings.Repeat("ab", 32)
	_, err := c.Store("node", "20.10.0", src, wrong)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Store with wrong checksum: got %v, want ErrChecksumMismatch", err)
	}

	var ce *ChecksumError
	if !errors.As(err, &ce) {
		t.Fatal("error is not a *ChecksumError")
	}
	if ce.Expected != wrong || ce.Got == "" {
		t.Errorf("ChecksumError = %+v", ce)
	}

	// The failed store must leave nothing retrievable behind.
	if _, ok := c.Lookup("node", "20.10.0"); ok {
		t.Error("Lookup hit after a failed store")
	}
}

func TestStoreAcceptsMatchingChecksum(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, "verified binary")
	digest, err := hashFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store("bun", "1.0.21", src, strings.ToUpper(digest)); err != nil {
		t.Fatalf("Store with matching checksum (case-insensitive): %v", err)
	}
	if _, ok := c.Lookup("bun", "1.0.21"); !ok {
		t.Error("Lookup missed after successful verified store")
	}
}

func TestStoreReplacesExistingEntry(t *testing.T) {
	c := newTestCache(t)

	first := writeSource(t, "v1")
	if _, err := c.Store("node", "20.10.0", first, ""); err != nil {
		t.Fatal(err)
	}
	second := writeSource(t, "v2 rebuilt")
	stored, err := c.Store("node", "20.10.0", second, "")
	if err != nil {
		t.Fatalf("re-store: %v", err)
	}
	data, err := os.ReadFile(stored)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2 rebuilt" {
		t.Errorf("cached content = %q after replacement", data)
	}
	if _, ok := c.Lookup("node", "20.10.0"); !ok {
		t.Error("replaced entry not retrievable")
	}
}

func TestEvictIfOverBudget(t *testing.T) {
	c := newTestCache(t)

	// Three ~500 KB entries with distinct ages.
	payload := strings.Repeat("x", 500*1024)
	now := time.Now()
	ages := []struct {
		name, version string
		mtime         time.Time
	}{
		{"node", "18.0.0", now.Add(-3 * time.Hour)}, // oldest
		{"node", "20.10.0", now.Add(-2 * time.Hour)},
		{"bun", "1.0.21", now.Add(-1 * time.Hour)}, // most recent
	}
	for _, e := range ages {
		src := writeSource(t, payload)
		stored, err := c.Store(e.name, e.version, src, "")
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(stored, e.mtime, e.mtime); err != nil {
			t.Fatal(err)
		}
	}

	// 1 MB budget: exactly the oldest entry must go.
	if err := c.EvictIfOverBudget(1 << 20); err != nil {
		t.Fatalf("EvictIfOverBudget: %v", err)
	}

	if _, ok := c.Lookup("node", "18.0.0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Lookup("node", "20.10.0"); !ok {
		t.Error("middle entry was evicted unnecessarily")
	}
	if _, ok := c.Lookup("bun", "1.0.21"); !ok {
		t.Error("most recently used entry was evicted")
	}
}

func TestEvictNeverRemovesLastEntry(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, strings.Repeat("y", 64*1024))
	if _, err := c.Store("uv", "0.5.0", src, ""); err != nil {
		t.Fatal(err)
	}

	// Budget smaller than the single entry: it must survive.
	if err := c.EvictIfOverBudget(1024); err != nil {
		t.Fatalf("EvictIfOverBudget: %v", err)
	}
	if _, ok := c.Lookup("uv", "0.5.0"); !ok {
		t.Error("sole cache entry was evicted")
	}
}

func TestEvictUnderBudgetIsNoop(t *testing.T) {
	c := newTestCache(t)

	src := writeSource(t, "tiny")
	if _, err := c.Store("node", "20.10.0", src, ""); err != nil {
		t.Fatal(err)
	}
	if err := c.EvictIfOverBudget(DefaultMaxBytes); err != nil {
		t.Fatalf("EvictIfOverBudget: %v", err)
	}
	if _, ok := c.Lookup("node", "20.10.0"); !ok {
		t.Error("entry evicted while under budget")
	}
}
