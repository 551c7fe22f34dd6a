package runtimes

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scaffold creates the named files (with parent dirs) under a temp root.
func scaffold(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func detect(t *testing.T, dir string) (Config, error) {
	t.Helper()
	return Detect(dir, Registry(Versions{}), testLogger())
}

func TestDetectPython(t *testing.T) {
	for _, marker := range []string{"pyproject.toml", "setup.py", "requirements.txt"} {
		t.Run(marker, func(t *testing.T) {
			cfg, err := detect(t, scaffold(t, marker))
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if cfg.Name != Python {
				t.Errorf("runtime = %s, want python", cfg.Name)
			}
			if cfg.PackageManager != UV {
				t.Errorf("package manager = %s, want uv", cfg.PackageManager)
			}
		})
	}
}

func TestDetectNode(t *testing.T) {
	cfg, err := detect(t, scaffold(t, "package.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != Node {
		t.Errorf("runtime = %s, want node", cfg.Name)
	}
}

func TestBunOutranksNode(t *testing.T) {
	// Both signatures key off package.json; the lockfile-bearing bun
	// signature must win by priority.
	cfg, err := detect(t, scaffold(t, "package.json", "bun.lockb"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != Bun {
		t.Errorf("runtime = %s, want bun", cfg.Name)
	}
}

func TestBunRequiresBothMarkers(t *testing.T) {
	cfg, err := detect(t, scaffold(t, "bun.lockb"))
	if err == nil && cfg.Name == Bun {
		t.Error("bun detected without package.json")
	}
}

func TestDetectInNestedDirectories(t *testing.T) {
	cfg, err := detect(t, scaffold(t, filepath.Join("backend", "pyproject.toml")))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != Python {
		t.Errorf("runtime = %s, want python", cfg.Name)
	}
}

func TestDetectIgnoresDependencyCaches(t *testing.T) {
	// A vendored package.json inside node_modules or a marker inside .git
	// must not classify the project.
	root := scaffold(t,
		filepath.Join("node_modules", "leftpad", "package.json"),
		filepath.Join(".git", "requirements.txt"),
		filepath.Join(".venv", "pyproject.toml"),
	)
	_, err := detect(t, root)
	if !errors.Is(err, ErrNoRuntimeDetected) {
		t.Fatalf("got %v, want ErrNoRuntimeDetected", err)
	}
}

func TestDetectNothing(t *testing.T) {
	_, err := detect(t, scaffold(t, "README.md", "main.c"))
	if !errors.Is(err, ErrNoRuntimeDetected) {
		t.Fatalf("got %v, want ErrNoRuntimeDetected", err)
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	root := scaffold(t, "package.json", "bun.lockb")
	first, err := detect(t, root)
	if err != nil {
		t.Fatal(err)
	}
	second, err := detect(t, root)
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != second.Name {
		t.Errorf("detection not idempotent: %s then %s", first.Name, second.Name)
	}
}

func TestHigherPrioritySignatureFlipsResult(t *testing.T) {
	root := scaffold(t, "package.json")
	cfg, err := detect(t, root)
	if err != nil || cfg.Name != Node {
		t.Fatalf("initial detection = %v, %v", cfg.Name, err)
	}

	// Adding the bun lockfile must flip the result to the higher-priority
	// signature.
	if err := os.WriteFile(filepath.Join(root, "bun.lockb"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = detect(t, root)
	if err != nil || cfg.Name != Bun {
		t.Fatalf("after lockfile: %v, %v, want bun", cfg.Name, err)
	}
}

func TestRegistryVersionPins(t *testing.T) {
	reg := Registry(Versions{Node: "22.1.0"})
	for _, cfg := range reg {
		if cfg.Name != Node {
			continue
		}
		if got := cfg.Binaries[0].Version; got != "22.1.0" {
			t.Errorf("node version = %q, want pin 22.1.0", got)
		}
	}
}
