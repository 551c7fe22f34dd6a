// Package sandbox provides isolated execution contexts for untrusted
// project code. A sandbox is a throwaway directory tree plus a sanitized
// environment-variable set; every command of an environment runs through
// its sandbox — never directly on the host environment.
package sandbox

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrSandboxCreation indicates a sandbox could not be fully created.
	// The partially created root is removed before this error propagates.
	ErrSandboxCreation = errors.New("sandbox creation failed")

	// ErrCommandNotFound indicates the executable of a command could not be
	// resolved on the sandbox PATH before spawning.
	ErrCommandNotFound = errors.New("command not found")

	// ErrExecutionTimeout indicates a sandboxed command exceeded its
	// deadline and was killed.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// Sandbox is one isolated directory tree. All four working directories are
// descendants of Root and are created together or not at all. A Sandbox is
// owned by exactly one environment and destroyed with it.
type Sandbox struct {
	Root     string
	WorkDir  string // project checkout + command working directory
	BinDir   string // runtime binaries linked here; first PATH entry
	TmpDir   string // TMPDIR / XDG_RUNTIME_DIR target
	CacheDir string // XDG_CACHE_HOME target

	env map[string]string
}

// Env returns a copy of the sandbox environment variables.
func (s *Sandbox) Env() map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Getenv returns one sandbox environment variable.
func (s *Sandbox) Getenv(key string) string { return s.env[key] }

// Setenv sets a sandbox environment variable. Loader-hook variables are
// silently dropped — nothing may inject code into sandboxed processes.
func (s *Sandbox) Setenv(key, value string) {
	if blockedEnv[key] {
		return
	}
	s.env[key] = value
}

// PrependPath puts dir at the front of the sandbox PATH. Used to expose a
// package manager's bin directory (node_modules/.bin, .venv/bin) once
// dependencies are installed.
func (s *Sandbox) PrependPath(dir string) {
	s.env["PATH"] = dir + ":" + s.env["PATH"]
}

// envList renders the environment as KEY=VALUE pairs in sorted key order,
// so two runs of the same sandbox spawn byte-identical environments.
func (s *Sandbox) envList(extra map[string]string) []string {
	merged := s.Env()
	for k, v := range extra {
		if blockedEnv[k] {
			continue
		}
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+merged[k])
	}
	return list
}

// blockedEnv lists dynamic-loader hook variables that could leak code into
// a sandboxed process. They are stripped from every merge, caller-supplied
// values included.
var blockedEnv = map[string]bool{
	"LD_PRELOAD":             true,
	"LD_LIBRARY_PATH":        true,
	"LD_AUDIT":               true,
	"DYLD_INSERT_LIBRARIES":  true,
	"DYLD_LIBRARY_PATH":      true,
	"DYLD_FRAMEWORK_PATH":    true,
	"PYTHONSTARTUP":          true,
	"NODE_OPTIONS":           true,
	"BASH_ENV":               true,
	"ENV":                    true,
	"IFS":                    true,
	"GCONV_PATH":             true,
	"LD_ORIGIN_PATH":         true,
	"MALLOC_TRACE":           true,
	"NLSPATH":                true,
	"LOCPATH":                true,
	"TMPPREFIX":              true,
	"PERL5LIB":               true,
	"PERLLIB":                true,
	"RUBYLIB":                true,
	"PYTHONPATH_OVERRIDE":    true,
	"JAVA_TOOL_OPTIONS":      true,
	"_JAVA_OPTIONS":          true,
	"DYLD_FALLBACK_LIBRARY_PATH": true,
}

// ResourceLimits constrains a sandboxed process. Zero values fall back to
// manager defaults.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time (ulimit -t)
	MaxMemoryMB   int // virtual memory (ulimit -v)
	MaxOpenFiles  int // open file descriptors (ulimit -n)
	MaxProcesses  int // processes / threads (ulimit -u)
}

// ExecResult captures the outcome of one sandboxed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
