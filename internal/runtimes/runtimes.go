// Package runtimes holds the static registry of supported language runtimes
// and classifies a project tree into exactly one of them. Detection is
// priority-ordered and deterministic: the registry is evaluated front to
// back and the first matching signature wins, so two runtimes sharing a
// marker file (bun and node both key off package.json) never race on
// filesystem iteration order.
package runtimes

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jkaninda/jaribu/internal/binary"
)

// ErrNoRuntimeDetected indicates no supported runtime signature matched the
// project tree.
var ErrNoRuntimeDetected = errors.New("no supported runtime detected")

// Name identifies a supported runtime.
type Name string

const (
	Python Name = "python"
	Node   Name = "node"
	Bun    Name = "bun"
)

// PackageManager identifies the dependency installer of a runtime.
type PackageManager string

const (
	UV     PackageManager = "uv"
	NPM    PackageManager = "npm"
	BunPkg PackageManager = "bun"
)

// Config is the immutable detection and setup metadata for one runtime.
type Config struct {
	Name           Name
	PackageManager PackageManager

	// DetectionFiles are filename suffixes that mark a project as this
	// runtime. MatchAll signatures require every listed file (bun needs
	// both bun.lockb and package.json); otherwise any one suffices.
	DetectionFiles []string
	MatchAll       bool

	// EnvSetup is applied to the sandbox when this runtime is provisioned.
	EnvSetup map[string]string

	// BinaryName is the runtime interpreter binary ("node", "bun",
	// "python"). The python interpreter is provided via uv, so python's
	// Binaries list carries uv only.
	BinaryName string

	// Binaries are the acquisition specs for the binaries this runtime
	// needs inside the sandbox (runtime and/or package manager).
	Binaries []binary.Spec

	// InstallCommand installs project dependencies.
	InstallCommand []string

	// PackageBinDir is the project-relative directory that holds installed
	// executables; prepended to the sandbox PATH after install.
	PackageBinDir string
}

// Versions pins the runtime binary versions to acquire. Zero values fall
// back to defaults; UV is resolved from its latest GitHub release when
// unpinned.
type Versions struct {
	Node string
	Bun  string
	UV   string
}

// Default pinned versions, matching upstream LTS releases known to work.
const (
	defaultNodeVersion = "20.10.0"
	defaultBunVersion  = "1.0.21"
)

// Registry returns the runtime configs in detection priority order:
// the most specific signature first. Bun (lockfile + manifest) outranks
// Node (manifest only); Python's any-of signature comes last.
func Registry(v Versions) []Config {
	nodeVersion := v.Node
	if nodeVersion == "" {
		nodeVersion = defaultNodeVersion
	}
	bunVersion := v.Bun
	if bunVersion == "" {
		bunVersion = defaultBunVersion
	}

	uvSpec := binary.Spec{
		Name:        "uv",
		Version:     v.UV,
		Strategy:    binary.GitHubLatest{Owner: "astral-sh", Repo: "uv"},
		URLTemplate: "https://github.com/astral-sh/uv/releases/download/{version}/uv-{platform}.tar.gz",
	}

	return []Config{
		{
			Name:           Bun,
			PackageManager: BunPkg,
			DetectionFiles: []string{"bun.lockb", "package.json"},
			MatchAll:       true,
			EnvSetup:       map[string]string{"NO_INSTALL_HINTS": "1"},
			BinaryName:     "bun",
			Binaries: []binary.Spec{{
				Name:             "bun",
				Version:          bunVersion,
				URLTemplate:      "https://github.com/oven-sh/bun/releases/download/bun-v{version}/bun-{platform}.zip",
				ChecksumTemplate: "https://github.com/oven-sh/bun/releases/download/bun-v{version}/SHASUMS.txt",
			}},
			InstallCommand: []string{"bun", "install"},
			PackageBinDir:  filepath.Join("node_modules", ".bin"),
		},
		{
			Name:           Node,
			PackageManager: NPM,
			DetectionFiles: []string{"package.json"},
			EnvSetup:       map[string]string{"NODE_NO_WARNINGS": "1"},
			BinaryName:     "node",
			Binaries: []binary.Spec{{
				Name:             "node",
				Version:          nodeVersion,
				URLTemplate:      "https://nodejs.org/dist/v{version}/node-v{version}-{platform}.tar.gz",
				ChecksumTemplate: "https://nodejs.org/dist/v{version}/SHASUMS256.txt",
			}},
			InstallCommand: []string{"npm", "install"},
			PackageBinDir:  filepath.Join("node_modules", ".bin"),
		},
		{
			Name:           Python,
			PackageManager: UV,
			DetectionFiles: []string{"pyproject.toml", "setup.py", "requirements.txt"},
			EnvSetup: map[string]string{
				"PYTHONUNBUFFERED":        "1",
				"PYTHONDONTWRITEBYTECODE": "1",
			},
			BinaryName:     "python",
			Binaries:       []binary.Spec{uvSpec},
			InstallCommand: []string{"uv", "sync", "--all-extras"},
			PackageBinDir:  filepath.Join(".venv", "bin"),
		},
	}
}

// skipDirs are directory names excluded from detection walks: version
// control and fetched dependency trees would otherwise produce false
// positives (a vendored package.json must not turn a python repo into a
// node project).
var skipDirs = map[string]bool{
	".git":          true,
	".svn":          true,
	".hg":           true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	"__pycache__":   true,
	".pytest_cache": true,
	".tox":          true,
	"dist":          true,
	"build":         true,
}

// Detect classifies the project under workDir into exactly one runtime
// config from the registry. Idempotent and deterministic: an unchanged
// directory always yields the same config.
func Detect(workDir string, registry []Config, logger *slog.Logger) (Config, error) {
	files, err := collectFiles(workDir)
	if err != nil {
		return Config{}, fmt.Errorf("scanning %s: %w", workDir, err)
	}

	for _, cfg := range registry {
		if matches(cfg, files) {
			logger.Info("runtime detected",
				slog.String("runtime", string(cfg.Name)),
				slog.String("package_manager", string(cfg.PackageManager)),
				slog.String("work_dir", workDir),
			)
			return cfg, nil
		}
	}
	return Config{}, fmt.Errorf("%w in %s", ErrNoRuntimeDetected, workDir)
}

func matches(cfg Config, files []string) bool {
	if cfg.MatchAll {
		for _, marker := range cfg.DetectionFiles {
			if !anySuffix(files, marker) {
				return false
			}
		}
		return true
	}
	for _, marker := range cfg.DetectionFiles {
		if anySuffix(files, marker) {
			return true
		}
	}
	return false
}

func anySuffix(files []string, marker string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, marker) {
			return true
		}
	}
	return false
}

// collectFiles enumerates regular files beneath workDir, skipping version
// control and dependency-cache directories.
func collectFiles(workDir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != workDir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
