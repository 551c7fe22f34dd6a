package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr per command to prevent OOM from
	// chatty or hostile test suites.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 5 * time.Minute
	defaultCPUSeconds = 300
	defaultMemoryMB   = 2048
	defaultOpenFiles  = 1024
	defaultProcesses  = 256
)

// Config configures the sandbox manager.
type Config struct {
	// BaseDir is the parent directory for sandbox roots. Empty = os.TempDir().
	BaseDir string

	// DefaultTimeout bounds each command when the caller sets none.
	DefaultTimeout time.Duration

	// DefaultLimits are the per-process resource limits.
	DefaultLimits ResourceLimits
}

// Manager creates, runs commands inside, and destroys sandboxes.
//
// Isolation is best-effort, not a security boundary:
//   - fresh root per sandbox, owner-only permissions
//   - no environment inheritance from this process — a minimal fixed set
//   - loader-hook variables stripped from every merge
//   - each command in its own process group, group-killed on timeout
//   - ulimit-enforced CPU / memory / fd / process caps where a POSIX shell
//     is available
type Manager struct {
	config Config
	logger *slog.Logger
}

// NewManager creates a sandbox manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultLimits.MaxCPUSeconds == 0 {
		cfg.DefaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.DefaultLimits.MaxOpenFiles == 0 {
		cfg.DefaultLimits.MaxOpenFiles = defaultOpenFiles
	}
	if cfg.DefaultLimits.MaxProcesses == 0 {
		cfg.DefaultLimits.MaxProcesses = defaultProcesses
	}
	return &Manager{config: cfg, logger: logger}
}

// systemPaths returns the fixed system PATH entries for the host OS. The
// caller's PATH is never inherited.
func systemPaths() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"
	default:
		return "/usr/local/bin:/usr/bin:/bin:/usr/local/sbin:/usr/sbin:/sbin"
	}
}

// Create allocates a fresh sandbox: a unique root under BaseDir with bin/,
// tmp/, work/, and cache/ beneath it, plus a sanitized environment pointing
// PATH at the sandbox bin directory and redirecting HOME, TMPDIR, and cache
// locations into the tree. Any mid-creation failure removes the partial
// root before the error propagates.
func (m *Manager) Create(prefix string) (*Sandbox, error) {
	base := m.config.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating base dir %s: %v", ErrSandboxCreation, base, err)
	}

	root, err := os.MkdirTemp(base, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: allocating root: %v", ErrSandboxCreation, err)
	}

	sb := &Sandbox{
		Root:     root,
		WorkDir:  filepath.Join(root, "work"),
		BinDir:   filepath.Join(root, "bin"),
		TmpDir:   filepath.Join(root, "tmp"),
		CacheDir: filepath.Join(root, "cache"),
	}
	for _, dir := range []string{sb.BinDir, sb.TmpDir, sb.WorkDir, sb.CacheDir} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			_ = os.RemoveAll(root) // rollback, no orphaned directories
			return nil, fmt.Errorf("%w: creating %s: %v", ErrSandboxCreation, dir, err)
		}
	}

	sb.env = map[string]string{
		"PATH":            sb.BinDir + ":" + systemPaths(),
		"HOME":            sb.WorkDir,
		"TMPDIR":          sb.TmpDir,
		"XDG_CACHE_HOME":  sb.CacheDir,
		"XDG_RUNTIME_DIR": sb.TmpDir,
		"LANG":            "en_US.UTF-8",
		"TERM":            "dumb",
	}

	m.logger.Info("sandbox created",
		slog.String("root", root),
		slog.String("work_dir", sb.WorkDir),
	)
	return sb, nil
}

// ApplyRestrictions applies best-effort hardening to the sandbox and
// returns the names of the layers actually in effect, so callers can assert
// on the isolation level achieved instead of assuming it. A missing
// capability degrades to a warning, never a failure.
func (m *Manager) ApplyRestrictions(sb *Sandbox) []string {
	var applied []string

	permsOK := true
	for _, dir := range []string{sb.Root, sb.BinDir, sb.TmpDir, sb.WorkDir, sb.CacheDir} {
		if err := os.Chmod(dir, 0o700); err != nil {
			permsOK = false
			m.logger.Warn("restricting permissions failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	if permsOK {
		applied = append(applied, "permissions")
	}

	// Resource limits ride on the ulimit wrapper at exec time; they need a
	// POSIX shell on the host.
	if _, err := os.Stat("/bin/sh"); err == nil {
		applied = append(applied, "rlimits")
	} else {
		m.logger.Warn("no POSIX shell available, resource limits disabled")
	}

	// Process-group isolation is available on all supported Unixes.
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		applied = append(applied, "process-group")
	}

	m.logger.Info("sandbox restrictions applied",
		slog.String("root", sb.Root),
		slog.Any("layers", applied),
	)
	return applied
}

// Destroy recursively removes the sandbox root. Destroying a missing or
// already-destroyed sandbox is a no-op, never an error.
func (m *Manager) Destroy(sb *Sandbox) error {
	if sb == nil || sb.Root == "" {
		return nil
	}
	if err := os.RemoveAll(sb.Root); err != nil {
		return fmt.Errorf("removing sandbox root %s: %w", sb.Root, err)
	}
	m.logger.Debug("sandbox destroyed", slog.String("root", sb.Root))
	return nil
}

// Run executes a command inside the sandbox: working directory is the
// sandbox work dir, environment is the sandbox set merged with extraEnv
// (extra wins on conflict, loader hooks always stripped). The executable is
// resolved on the sandbox PATH before spawning — an unresolvable name fails
// fast with ErrCommandNotFound instead of an ambiguous shell error. On
// context timeout the whole process group is killed and ErrExecutionTimeout
// returned. A nonzero exit code is a result, not an error.
func (m *Manager) Run(ctx context.Context, sb *Sandbox, command []string, extraEnv map[string]string) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	env := sb.envList(extraEnv)
	resolved, err := lookupExecutable(command[0], pathOf(env))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, command[0])
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.DefaultTimeout)
		defer cancel()
	}

	limits := m.config.DefaultLimits

	// Wrap in a shell applying ulimits, then exec "$@" — positional
	// parameters keep the user command out of the shell string, so nothing
	// is ever interpolated.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; ulimit -n %d 2>/dev/null; ulimit -u %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds, limits.MaxOpenFiles, limits.MaxProcesses,
	)
	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", script, "_", resolved)
	args = append(args, command[1:]...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = sb.WorkDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the entire process group, children included.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	m.logger.Debug("sandbox executing",
		slog.Any("command", command),
		slog.String("work_dir", sb.WorkDir),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("sandbox execution timed out",
				slog.Any("command", command),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s: %s", ErrExecutionTimeout, duration.Round(time.Millisecond), command[0])
		}
		if ctx.Err() != nil {
			// Parent-context cancellation (e.g. shutdown signal) is not a
			// timeout of the sandboxed command.
			return nil, fmt.Errorf("executing %s: %w", command[0], ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("executing %s: %w", command[0], runErr)
		}
	}

	m.logger.Debug("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// lookupExecutable resolves name against the given PATH value. Names with a
// path separator are checked directly.
func lookupExecutable(name, pathEnv string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", os.ErrNotExist
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func pathOf(env []string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			return v
		}
	}
	return ""
}

// limitedWriter stops writing after a byte budget; excess output is
// discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		return total, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
