// Package binary acquires runtime binaries (node, bun, uv) from their
// upstream distribution channels and keeps them in a checksum-verified,
// size-bounded on-disk cache shared by all environments.
//
// Cache layout, load-bearing for interoperability across restarts:
//
//	<root>/<name>/<version>/<name>          the binary itself
//	<root>/<name>/<version>/<name>.sha256   hex digest of the binary
//
// An entry is only trusted when the recorded digest matches a freshly
// computed digest of the file on disk.
package binary

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultMaxBytes is the cache size budget applied when none is configured.
const DefaultMaxBytes = 1 << 30 // 1 GiB

// Cache is the durable store of downloaded runtime binaries, keyed by
// (name, version). Safe for concurrent use across environments: entries for
// different keys live in disjoint directories, and same-key stores converge
// through stage-then-rename.
type Cache struct {
	root   string
	logger *slog.Logger
}

// NewCache opens (creating if needed) a binary cache rooted at dir.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", dir, err)
	}
	return &Cache{root: dir, logger: logger}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) entryDir(name, version string) string {
	return filepath.Join(c.root, name, version)
}

// Lookup returns the path to a cached binary, or false on a miss. A stored
// entry whose recomputed digest no longer matches its recorded digest is a
// miss, never a hit — corruption is reported, not resurrected.
func (c *Cache) Lookup(name, version string) (string, bool) {
	dir := c.entryDir(name, version)
	binPath := filepath.Join(dir, name)
	digestPath := binPath + ".sha256"

	recorded, err := os.ReadFile(digestPath)
	if err != nil {
		return "", false
	}
	actual, err := hashFile(binPath)
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(strings.TrimSpace(string(recorded)), actual) {
		c.logger.Warn("cache entry digest mismatch, treating as miss",
			slog.String("name", name),
			slog.String("version", version),
			slog.String("recorded", strings.TrimSpace(string(recorded))),
			slog.String("actual", actual),
		)
		return "", false
	}

	// Touch the entry so mtime-ordered eviction approximates LRU.
	now := time.Now()
	_ = os.Chtimes(binPath, now, now)

	return binPath, true
}

// Store copies the binary at src into the cache under (name, version),
// records its digest alongside it, and marks it executable. When
// expectedChecksum is non-empty and disagrees with the computed digest the
// entry is discarded and a ChecksumError returned — a half-valid entry is
// never left behind.
//
// The entry is staged in a temp directory and renamed into place, so a
// concurrent Lookup never observes a partially written entry and concurrent
// same-key stores converge on whichever rename lands last.
func (c *Cache) Store(name, version, src, expectedChecksum string) (string, error) {
	parent := filepath.Join(c.root, name)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir for %s: %w", name, err)
	}

	staging, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	stagedBin := filepath.Join(staging, name)
	if err := copyFile(src, stagedBin); err != nil {
		return "", fmt.Errorf("staging %s %s: %w", name, version, err)
	}
	if err := os.Chmod(stagedBin, 0o755); err != nil {
		return "", fmt.Errorf("marking %s executable: %w", name, err)
	}

	digest, err := hashFile(stagedBin)
	if err != nil {
		return "", fmt.Errorf("hashing %s %s: %w", name, version, err)
	}
	if expectedChecksum != "" && !strings.EqualFold(digest, expectedChecksum) {
		return "", &ChecksumError{
			Name:     name,
			Version:  version,
			Expected: strings.ToLower(expectedChecksum),
			Got:      digest,
		}
	}
	if err := os.WriteFile(stagedBin+".sha256", []byte(digest+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing digest for %s %s: %w", name, version, err)
	}

	final := c.entryDir(name, version)
	_ = os.RemoveAll(final)
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publishing cache entry %s %s: %w", name, version, err)
	}

	c.logger.Info("binary cached",
		slog.String("name", name),
		slog.String("version", version),
		slog.String("digest", digest),
	)
	return filepath.Join(final, name), nil
}

// entry is one (name, version) pair on disk, used during eviction.
type entry struct {
	name    string
	version string
	dir     string
	size    int64
	mtime   time.Time
}

// EvictIfOverBudget deletes whole (name, version) entries, least recently
// used first, until total cache size is at or under maxBytes. The most
// recently used entry is never removed while an older one remains. Staging
// directories being populated by a concurrent Store are left alone.
func (c *Cache) EvictIfOverBudget(maxBytes int64) error {
	entries, total, err := c.scan()
	if err != nil {
		return err
	}
	if total <= maxBytes {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.Before(entries[j].mtime)
	})

	for i := 0; i < len(entries)-1 && total > maxBytes; i++ {
		e := entries[i]
		if err := os.RemoveAll(e.dir); err != nil {
			c.logger.Error("evicting cache entry",
				slog.String("name", e.name),
				slog.String("version", e.version),
				slog.String("error", err.Error()),
			)
			continue
		}
		total -= e.size
		c.logger.Info("cache entry evicted",
			slog.String("name", e.name),
			slog.String("version", e.version),
			slog.Int64("freed_bytes", e.size),
			slog.Int64("remaining_bytes", total),
		)
	}

	// A single entry may legitimately exceed the budget; nothing more to do.
	return nil
}

// scan enumerates complete cache entries and the total cache size.
func (c *Cache) scan() ([]entry, int64, error) {
	var entries []entry
	var total int64

	names, err := os.ReadDir(c.root)
	if err != nil {
		return nil, 0, fmt.Errorf("scanning cache root: %w", err)
	}
	for _, n := range names {
		if !n.IsDir() || strings.HasPrefix(n.Name(), ".") {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(c.root, n.Name()))
		if err != nil {
			continue
		}
		for _, v := range versions {
			if !v.IsDir() || strings.HasPrefix(v.Name(), ".") {
				continue
			}
			dir := filepath.Join(c.root, n.Name(), v.Name())
			binPath := filepath.Join(dir, n.Name())
			info, err := os.Stat(binPath)
			if err != nil {
				continue
			}
			size := dirSize(dir)
			entries = append(entries, entry{
				name:    n.Name(),
				version: v.Name(),
				dir:     dir,
				size:    size,
				mtime:   info.ModTime(),
			})
			total += size
		}
	}
	return entries, total, nil
}

func dirSize(dir string) int64 {
	var size int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// hashFile streams the file through SHA-256 and returns the lowercase hex
// digest.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
