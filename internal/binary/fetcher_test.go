package binary

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/jaribu/internal/platform"
)

func testPlatform() platform.Info {
	return platform.Info{
		OS:           "linux",
		Arch:         "x86_64",
		Format:       platform.FormatTarGz,
		NodePlatform: "linux-x64",
		BunPlatform:  "linux-x64",
		UVPlatform:   "linux-x86_64",
	}
}

// makeTarGz builds a tar.gz archive holding a single file at entryPath.
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

// makeZip builds a zip archive holding a single file at entryPath.
func makeZip(t *testing.T, entryPath, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entryPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestEnsureDownloadsVerifiesAndCaches(t *testing.T) {
	archive := makeTarGz(t, "node-v20.10.0-linux-x64/bin/node", "node binary payload")
	assetName := "node-v20.10.0-linux-x64.tar.gz"
	manifest := fmt.Sprintf("%s  %s\n", sha256Hex(archive), assetName)

	var downloads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".tar.gz"):
			downloads++
			_, _ = w.Write(archive)
		case strings.HasSuffix(r.URL.Path, "SHASUMS256.txt"):
			_, _ = w.Write([]byte(manifest))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestCache(t)
	f := NewFetcher(c, testPlatform(), discardLogger())

	spec := Spec{
		Name:             "node",
		Version:          "20.10.0",
		URLTemplate:      srv.URL + "/dist/v{version}/node-v{version}-{platform}.tar.gz",
		ChecksumTemplate: srv.URL + "/dist/v{version}/SHASUMS256.txt",
	}

	p, err := f.Ensure(context.Background(), spec)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "node binary payload" {
		t.Errorf("extracted binary content = %q", data)
	}

	// Second Ensure must be a cache hit: no new download.
	if _, err := f.Ensure(context.Background(), spec); err != nil {
		t.Fatalf("Ensure (cached): %v", err)
	}
	if downloads != 1 {
		t.Errorf("downloads = %d, want 1 (second call should hit cache)", downloads)
	}
}

func TestEnsureZipArchive(t *testing.T) {
	archive := makeZip(t, "bun-linux-x64/bun", "bun binary payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	f := NewFetcher(newTestCache(t), testPlatform(), discardLogger())
	p, err := f.Ensure(context.Background(), Spec{
		Name:        "bun",
		Version:     "1.0.21",
		URLTemplate: srv.URL + "/bun-v{version}/bun-{platform}.zip",
	})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "bun binary payload" {
		t.Errorf("extracted binary content = %q", data)
	}
}

func TestEnsureChecksumMismatch(t *testing.T) {
	archive := makeTarGz(t, "uv-linux-x86_64/uv", "uv payload")
	badManifest := strings.Repeat("00", 32) + "  uv-linux-x86_64.tar.gz\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".txt") {
			_, _ = w.Write([]byte(badManifest))
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := newTestCache(t)
	f := NewFetcher(c, testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:             "uv",
		Version:          "0.5.0",
		URLTemplate:      srv.URL + "/uv-{platform}.tar.gz",
		ChecksumTemplate: srv.URL + "/SHASUMS.txt",
	})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
	if _, ok := c.Lookup("uv", "0.5.0"); ok {
		t.Error("entry cached despite checksum mismatch")
	}
}

func TestEnsureDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(newTestCache(t), testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/missing-{version}-{platform}.tar.gz",
	})
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("got %v, want ErrDownload", err)
	}
}

func TestEnsureEmptyBodyIsDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	f := NewFetcher(newTestCache(t), testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/empty-{version}-{platform}.tar.gz",
	})
	if !errors.Is(err, ErrDownload) {
		t.Fatalf("got %v, want ErrDownload", err)
	}
}

func TestEnsureUnknownArchiveFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not an archive"))
	}))
	defer srv.Close()

	f := NewFetcher(newTestCache(t), testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/node-{version}-{platform}.xz",
	})
	if !errors.Is(err, ErrArchiveFormat) {
		t.Fatalf("got %v, want ErrArchiveFormat", err)
	}
}

func TestEnsureBinaryMissingFromArchive(t *testing.T) {
	archive := makeTarGz(t, "node-v20.10.0-linux-x64/README.md", "docs only")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	f := NewFetcher(newTestCache(t), testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/node-{version}-{platform}.tar.gz",
	})
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("got %v, want ErrBinaryNotFound", err)
	}
}

func TestEnsureResolvesVersionThroughStrategy(t *testing.T) {
	archive := makeTarGz(t, "uv-linux-x86_64/uv", "uv payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "releases/latest") {
			_, _ = w.Write([]byte(`{"tag_name": "0.5.9"}`))
			return
		}
		if !strings.Contains(r.URL.Path, "0.5.9") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := newTestCache(t)
	f := NewFetcher(c, testPlatform(), discardLogger())
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "uv",
		Strategy:    GitHubLatest{Owner: "astral-sh", Repo: "uv", BaseURL: srv.URL},
		URLTemplate: srv.URL + "/download/{version}/uv-{platform}.tar.gz",
	})
	if err != nil {
		t.Fatalf("Ensure with strategy: %v", err)
	}
	if _, ok := c.Lookup("uv", "0.5.9"); !ok {
		t.Error("resolved version not cached under its version key")
	}
}

func TestEnsureOfflineMissFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("offline fetcher must not reach the network")
	}))
	defer srv.Close()

	c := newTestCache(t)
	f := NewFetcher(c, testPlatform(), discardLogger(), WithOffline(true))
	_, err := f.Ensure(context.Background(), Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/dist/v{version}/node-v{version}-{platform}.tar.gz",
	})
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
}

func TestEnsureOfflineCacheHit(t *testing.T) {
	archive := makeTarGz(t, "node-v20.10.0-linux-x64/bin/node", "node binary payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	c := newTestCache(t)
	spec := Spec{
		Name:        "node",
		Version:     "20.10.0",
		URLTemplate: srv.URL + "/dist/v{version}/node-v{version}-{platform}.tar.gz",
	}

	// Warm the cache online, then re-fetch offline.
	if _, err := NewFetcher(c, testPlatform(), discardLogger()).Ensure(context.Background(), spec); err != nil {
		t.Fatalf("warming cache: %v", err)
	}
	offline := NewFetcher(c, testPlatform(), discardLogger(), WithOffline(true))
	if _, err := offline.Ensure(context.Background(), spec); err != nil {
		t.Fatalf("offline cache hit: %v", err)
	}
}

func TestParseChecksums(t *testing.T) {
	manifest := `
` + strings.Repeat("aa", 32) + `  node-v20.10.0-linux-x64.tar.gz
` + strings.Repeat("bb", 32) + ` *node-v20.10.0-darwin-arm64.tar.gz
garbage line
` + "deadbeef short-hash.tar.gz\n"

	sums, err := ParseChecksums(strings.NewReader(manifest))
	if err != nil {
		t.Fatal(err)
	}
	if got := sums["node-v20.10.0-linux-x64.tar.gz"]; got != strings.Repeat("aa", 32) {
		t.Errorf("linux asset digest = %q", got)
	}
	if got := sums["node-v20.10.0-darwin-arm64.tar.gz"]; got != strings.Repeat("bb", 32) {
		t.Errorf("starred asset digest = %q", got)
	}
	if len(sums) != 2 {
		t.Errorf("parsed %d entries, want 2", len(sums))
	}
}

func TestGitHubLatestTrimsPrefixes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name": "bun-v1.0.21"}`))
	}))
	defer srv.Close()

	v, err := GitHubLatest{Owner: "oven-sh", Repo: "bun", TrimPrefix: "bun-", BaseURL: srv.URL}.
		ResolveVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "1.0.21" {
		t.Errorf("resolved version = %q, want 1.0.21", v)
	}
}

func TestExtractBinaryDirectly(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a.tar.gz")
	if err := os.WriteFile(archivePath, makeTarGz(t, "pkg/bin/tool", "content"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "tool")
	if err := extractBinary(archivePath, "tool", dest); err != nil {
		t.Fatalf("extractBinary: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("extracted binary is not executable")
	}
}
