// Package source materializes a project into a sandbox work directory,
// either by cloning a GitHub repository or copying a local path. URL
// normalization is enforced here, before anything touches the network.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/jaribu/internal/sandbox"
)

var (
	// ErrInvalidURL indicates a repository URL that violates the
	// normalization contract (query parameters, fragments, plain HTTP).
	ErrInvalidURL = errors.New("invalid repository URL")

	// ErrCloneFailed indicates git exited nonzero during clone.
	ErrCloneFailed = errors.New("clone failed")
)

// NormalizeGitHubURL converts the accepted GitHub URL spellings to
// canonical HTTPS form and rejects everything else:
//
//	git@github.com:owner/repo  →  https://github.com/owner/repo
//	github.com/owner/repo      →  https://github.com/owner/repo
//	owner/repo                 →  https://github.com/owner/repo
//	https://github.com/...     →  unchanged
//
// URLs with query parameters or fragments are rejected, as is plain HTTP.
func NormalizeGitHubURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}
	if strings.ContainsAny(raw, "?#") {
		return "", fmt.Errorf("%w: query parameters and fragments not supported", ErrInvalidURL)
	}
	if rest, ok := strings.CutPrefix(raw, "git@github.com:"); ok {
		return "https://github.com/" + rest, nil
	}
	if strings.HasPrefix(raw, "http://") {
		return "", fmt.Errorf("%w: plain HTTP not supported, use HTTPS", ErrInvalidURL)
	}
	if strings.HasPrefix(raw, "github.com/") {
		return "https://" + raw, nil
	}
	if !strings.HasPrefix(raw, "https://") {
		return "https://github.com/" + raw, nil
	}
	return raw, nil
}

// Fetcher materializes project sources into sandboxes.
type Fetcher struct {
	sandboxes *sandbox.Manager
	logger    *slog.Logger
}

// NewFetcher creates a source fetcher that runs git through the given
// sandbox manager.
func NewFetcher(sandboxes *sandbox.Manager, logger *slog.Logger) *Fetcher {
	return &Fetcher{sandboxes: sandboxes, logger: logger}
}

// Clone clones the repository at url (normalized first) into the sandbox
// work directory. branch is optional.
func (f *Fetcher) Clone(ctx context.Context, sb *sandbox.Sandbox, url, branch string) error {
	normalized, err := NormalizeGitHubURL(url)
	if err != nil {
		return err
	}

	command := []string{"git", "clone", "--depth", "1"}
	if branch != "" {
		command = append(command, "--branch", branch)
	}
	command = append(command, normalized, sb.WorkDir)

	f.logger.Info("cloning repository",
		slog.String("url", normalized),
		slog.String("target", sb.WorkDir),
	)

	res, err := f.sandboxes.Run(ctx, sb, command, map[string]string{
		// Never prompt for credentials inside a sandbox.
		"GIT_TERMINAL_PROMPT": "0",
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", normalized, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s", ErrCloneFailed, normalized, res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// Copy copies the project at srcPath into the sandbox work directory.
func (f *Fetcher) Copy(sb *sandbox.Sandbox, srcPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("reading source path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	f.logger.Info("copying project",
		slog.String("source", srcPath),
		slog.String("target", sb.WorkDir),
	)
	return copyTree(srcPath, sb.WorkDir)
}

// copyTree recursively copies src into dst, preserving file modes and
// following the directory structure. Symlinks are skipped — a project that
// links outside its own tree must not drag host files into the sandbox.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tail returns the last few lines of command output for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
