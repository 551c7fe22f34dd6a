package binary

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/jaribu/internal/platform"
)

// Spec describes how a runtime binary is acquired. Specs are produced by the
// runtime registry; the fetcher knows nothing about runtimes, only about
// downloading, verifying, and caching named binaries.
type Spec struct {
	Name             string          // binary basename, e.g. "node"
	Version          string          // pinned version; empty = resolve via Strategy
	Strategy         VersionStrategy // consulted only when Version is empty
	URLTemplate      string          // archive URL with {version} and {platform} placeholders
	ChecksumTemplate string          // optional checksum manifest URL, same placeholders
}

// ErrOffline is returned on a cache miss when the fetcher is in offline
// mode.
var ErrOffline = errors.New("binary not cached and downloads are disabled")

// Fetcher resolves, downloads, verifies, and caches runtime binaries.
type Fetcher struct {
	cache    *Cache
	platform platform.Info
	client   *http.Client
	maxBytes int64
	offline  bool
	logger   *slog.Logger
}

// FetcherOption configures a Fetcher during construction.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client, useful for tests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithCacheBudget overrides the cache size budget in bytes.
func WithCacheBudget(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithOffline makes cache misses fail instead of downloading.
func WithOffline(offline bool) FetcherOption {
	return func(f *Fetcher) { f.offline = offline }
}

// NewFetcher creates a Fetcher over the given cache and host platform.
func NewFetcher(cache *Cache, plat platform.Info, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		cache:    cache,
		platform: plat,
		client:   &http.Client{Timeout: 5 * time.Minute},
		maxBytes: DefaultMaxBytes,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ensure makes the binary described by spec available locally and returns
// its path. Cache hits short-circuit; on a miss the archive is downloaded to
// scratch space, verified against its checksum manifest when one is
// published, the binary extracted, and the result stored in the cache (with
// eviction run afterwards). All failures carry the binary name and version.
func (f *Fetcher) Ensure(ctx context.Context, spec Spec) (string, error) {
	version := spec.Version
	if version == "" {
		if spec.Strategy == nil {
			return "", fmt.Errorf("no version or resolution strategy for %s", spec.Name)
		}
		v, err := spec.Strategy.ResolveVersion(ctx)
		if err != nil {
			return "", fmt.Errorf("resolving %s version: %w", spec.Name, err)
		}
		version = v
		f.logger.Debug("resolved binary version",
			slog.String("name", spec.Name),
			slog.String("version", version),
		)
	}

	if p, ok := f.cache.Lookup(spec.Name, version); ok {
		f.logger.Debug("binary cache hit",
			slog.String("name", spec.Name),
			slog.String("version", version),
		)
		return p, nil
	}

	if f.offline {
		return "", fmt.Errorf("ensuring %s %s: %w", spec.Name, version, ErrOffline)
	}

	plat, err := f.platform.For(spec.Name)
	if err != nil {
		return "", fmt.Errorf("ensuring %s %s: %w", spec.Name, version, err)
	}
	archiveURL := expandTemplate(spec.URLTemplate, version, plat)

	scratch, err := os.MkdirTemp("", "jaribu-fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating scratch dir for %s %s: %w", spec.Name, version, err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, path.Base(mustPath(archiveURL)))
	size, err := f.download(ctx, archiveURL, archivePath)
	if err != nil {
		return "", fmt.Errorf("fetching %s %s: %w", spec.Name, version, err)
	}
	f.logger.Info("archive downloaded",
		slog.String("name", spec.Name),
		slog.String("version", version),
		slog.String("url", archiveURL),
		slog.Int64("bytes", size),
	)

	if spec.ChecksumTemplate != "" {
		expected, err := f.manifestChecksum(ctx, spec, version, plat, path.Base(archivePath))
		if err != nil {
			return "", fmt.Errorf("fetching checksum manifest for %s %s: %w", spec.Name, version, err)
		}
		if expected != "" {
			got, err := hashFile(archivePath)
			if err != nil {
				return "", fmt.Errorf("hashing archive for %s %s: %w", spec.Name, version, err)
			}
			if !strings.EqualFold(got, expected) {
				return "", &ChecksumError{
					Name:     spec.Name,
					Version:  version,
					Expected: strings.ToLower(expected),
					Got:      got,
				}
			}
		}
	}

	extracted := filepath.Join(scratch, spec.Name)
	if err := extractBinary(archivePath, spec.Name, extracted); err != nil {
		return "", fmt.Errorf("extracting %s %s: %w", spec.Name, version, err)
	}

	cached, err := f.cache.Store(spec.Name, version, extracted, "")
	if err != nil {
		return "", fmt.Errorf("caching %s %s: %w", spec.Name, version, err)
	}

	if err := f.cache.EvictIfOverBudget(f.maxBytes); err != nil {
		f.logger.Warn("cache eviction failed",
			slog.String("error", err.Error()),
		)
	}

	return cached, nil
}

// download streams the URL to dest and returns the byte count. A non-2xx
// status or an empty body is an ErrDownload — never a zero-byte "success".
func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building request for %s: %w", rawURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrDownload, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %s returned status %d", ErrDownload, rawURL, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("%w: streaming %s: %v", ErrDownload, rawURL, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s produced an empty file", ErrDownload, rawURL)
	}
	return n, nil
}

// manifestChecksum fetches the runtime's checksum manifest and returns the
// digest recorded for assetName, or empty when the manifest lists no entry
// for it.
func (f *Fetcher) manifestChecksum(ctx context.Context, spec Spec, version, plat, assetName string) (string, error) {
	manifestURL := expandTemplate(spec.ChecksumTemplate, version, plat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request for %s: %w", manifestURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDownload, manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrDownload, manifestURL, resp.StatusCode)
	}

	sums, err := ParseChecksums(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parsing manifest %s: %w", manifestURL, err)
	}
	digest, ok := sums[assetName]
	if !ok {
		f.logger.Warn("checksum manifest has no entry for asset",
			slog.String("manifest", manifestURL),
			slog.String("asset", assetName),
		)
		return "", nil
	}
	return digest, nil
}

// ParseChecksums reads a manifest in sha256sum output format
// ("{hex}  {filename}" per line, as published by nodejs.org SHASUMS256.txt
// and bun's SHASUMS.txt) into a filename → digest map. Malformed lines are
// skipped.
func ParseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || !isHexDigest(fields[0]) {
			continue
		}
		sums[strings.TrimPrefix(fields[1], "*")] = strings.ToLower(fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksum manifest: %w", err)
	}
	return sums, nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func expandTemplate(tmpl, version, plat string) string {
	r := strings.NewReplacer("{version}", version, "{platform}", plat)
	return r.Replace(tmpl)
}

// mustPath extracts the path component of a URL for naming the scratch
// file; falls back to the raw string when parsing fails.
func mustPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
