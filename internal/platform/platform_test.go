package platform

import (
	"errors"
	"testing"
)

func TestResolveKnownPlatforms(t *testing.T) {
	tests := []struct {
		goos, goarch string
		node, bun    string
		uv           string
		format       string
	}{
		{"linux", "amd64", "linux-x64", "linux-x64", "linux-x86_64", FormatTarGz},
		{"linux", "arm64", "linux-arm64", "linux-aarch64", "linux-aarch64", FormatTarGz},
		{"darwin", "amd64", "darwin-x64", "darwin-x64", "macos-x86_64", FormatTarGz},
		{"darwin", "arm64", "darwin-arm64", "darwin-aarch64", "macos-aarch64", FormatTarGz},
		{"windows", "amd64", "win-x64", "windows-x64", "windows-x86_64", FormatZip},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			info, err := resolve(tt.goos, tt.goarch)
			if err != nil {
				t.Fatalf("resolve(%s, %s): %v", tt.goos, tt.goarch, err)
			}
			if info.NodePlatform != tt.node {
				t.Errorf("node platform = %q, want %q", info.NodePlatform, tt.node)
			}
			if info.BunPlatform != tt.bun {
				t.Errorf("bun platform = %q, want %q", info.BunPlatform, tt.bun)
			}
			if info.UVPlatform != tt.uv {
				t.Errorf("uv platform = %q, want %q", info.UVPlatform, tt.uv)
			}
			if info.Format != tt.format {
				t.Errorf("format = %q, want %q", info.Format, tt.format)
			}
		})
	}
}

func TestResolveUnsupported(t *testing.T) {
	if _, err := resolve("plan9", "amd64"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("unsupported OS: got %v, want ErrUnsupportedPlatform", err)
	}
	if _, err := resolve("linux", "mips"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("unsupported arch: got %v, want ErrUnsupportedPlatform", err)
	}
}

func TestForUnknownBinary(t *testing.T) {
	info, err := resolve("linux", "amd64")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := info.For("ruby"); err == nil {
		t.Error("expected error for unknown binary name")
	}
	got, err := info.For("node")
	if err != nil || got != "linux-x64" {
		t.Errorf("For(node) = %q, %v", got, err)
	}
}
