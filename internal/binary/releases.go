package binary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxJSONResponseBytes bounds release API responses (10 MB).
const maxJSONResponseBytes = 10 << 20

// VersionStrategy resolves the version of a binary to acquire when the
// caller did not pin one. Each runtime registers its own strategy, so adding
// a runtime never touches the fetch pipeline.
type VersionStrategy interface {
	// ResolveVersion returns a bare version string (no "v" prefix).
	ResolveVersion(ctx context.Context) (string, error)
}

// StaticVersion always resolves to a pinned version.
type StaticVersion string

func (s StaticVersion) ResolveVersion(context.Context) (string, error) {
	return string(s), nil
}

// GitHubLatest resolves the latest release tag of a GitHub repository via
// the releases API. TrimPrefix is stripped from the tag name (tags like
// "bun-v1.0.21" or "v0.5.0" become bare versions).
type GitHubLatest struct {
	Owner      string
	Repo       string
	TrimPrefix string

	// BaseURL overrides the API host for tests. Empty = api.github.com.
	BaseURL string

	// Client overrides the HTTP client. Nil = http.DefaultClient.
	Client *http.Client
}

type githubRelease struct {
	TagName string `json:"tag_name"`
}

func (g GitHubLatest) ResolveVersion(ctx context.Context) (string, error) {
	base := g.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", strings.TrimRight(base, "/"), g.Owner, g.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying latest release of %s/%s: %w", g.Owner, g.Repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: release API for %s/%s returned %d", ErrDownload, g.Owner, g.Repo, resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&rel); err != nil {
		return "", fmt.Errorf("decoding release response: %w", err)
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("release response for %s/%s has no tag name", g.Owner, g.Repo)
	}

	version := strings.TrimPrefix(rel.TagName, g.TrimPrefix)
	version = strings.TrimPrefix(version, "v")
	return version, nil
}
