// Package platform resolves the host operating system and machine
// architecture into the naming conventions used by each supported runtime's
// release artifacts. Every runtime distribution names its archives
// differently (node uses "linux-x64", uv uses "linux-x86_64"), so the
// resolver is the single place that knows those conventions.
package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedPlatform indicates the host OS or architecture has no known
// mapping for the supported runtimes.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Archive formats used by runtime distributions.
const (
	FormatTarGz = "tar.gz"
	FormatZip   = "zip"
)

// Info describes the host platform in the vocabulary of each supported
// runtime's download artifacts. Resolve it once at startup and treat it as
// read-only afterwards.
type Info struct {
	OS     string // "linux", "darwin", "windows"
	Arch   string // normalized: "x86_64" or "aarch64"
	Format string // archive format of runtime distributions on this OS

	// Per-runtime "<os>-<arch>" strings, matching each distribution's
	// artifact naming.
	NodePlatform string // e.g. "linux-x64"
	BunPlatform  string // e.g. "darwin-aarch64"
	UVPlatform   string // e.g. "linux-x86_64"
}

// For returns the platform string for a logical runtime binary name.
func (i Info) For(name string) (string, error) {
	switch name {
	case "node":
		return i.NodePlatform, nil
	case "bun":
		return i.BunPlatform, nil
	case "uv":
		return i.UVPlatform, nil
	default:
		return "", fmt.Errorf("no platform mapping for binary %q", name)
	}
}

// archNames maps a normalized architecture to each runtime's spelling.
type archNames struct {
	node string
	bun  string
	uv   string
}

// osNames maps an OS to each runtime's spelling plus the archive format its
// distributions ship in.
type osNames struct {
	node   string
	bun    string
	uv     string
	format string
}

var archMap = map[string]archNames{
	"amd64": {node: "x64", bun: "x64", uv: "x86_64"},
	"arm64": {node: "arm64", bun: "aarch64", uv: "aarch64"},
}

var osMap = map[string]osNames{
	"linux":   {node: "linux", bun: "linux", uv: "linux", format: FormatTarGz},
	"darwin":  {node: "darwin", bun: "darwin", uv: "macos", format: FormatTarGz},
	"windows": {node: "win", bun: "windows", uv: "windows", format: FormatZip},
}

// Resolve inspects the host and returns its platform Info. It is a pure
// function of the build-time GOOS/GOARCH and never touches the filesystem.
func Resolve() (Info, error) {
	return resolve(runtime.GOOS, runtime.GOARCH)
}

func resolve(goos, goarch string) (Info, error) {
	osn, ok := osMap[goos]
	if !ok {
		return Info{}, fmt.Errorf("%w: operating system %q", ErrUnsupportedPlatform, goos)
	}
	arch, ok := archMap[goarch]
	if !ok {
		return Info{}, fmt.Errorf("%w: architecture %q", ErrUnsupportedPlatform, goarch)
	}

	normArch := "x86_64"
	if goarch == "arm64" {
		normArch = "aarch64"
	}

	return Info{
		OS:           goos,
		Arch:         normArch,
		Format:       osn.format,
		NodePlatform: osn.node + "-" + arch.node,
		BunPlatform:  osn.bun + "-" + arch.bun,
		UVPlatform:   osn.uv + "-" + arch.uv,
	}, nil
}
