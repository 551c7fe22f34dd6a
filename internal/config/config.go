// Package config handles loading and validating jaribu configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for jaribu.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.jaribu. Override: JARIBU_DATA_DIR env var.
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Runtimes      RuntimesConfig       `json:"runtimes" yaml:"runtimes"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = HTTP gateway disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = no scheduled reaping
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// CacheConfig configures the binary cache.
type CacheConfig struct {
	Dir       string `json:"dir,omitempty" yaml:"dir,omitempty"`         // Default: <data_dir>/cache
	MaxSizeMB int64  `json:"max_size_mb" yaml:"max_size_mb"`             // Default: 1024
	Offline   bool   `json:"offline,omitempty" yaml:"offline,omitempty"` // Refuse downloads; cached binaries only.
}

// MaxBytes returns the configured cache budget in bytes.
func (c CacheConfig) MaxBytes() int64 {
	if c.MaxSizeMB <= 0 {
		return 1024 << 20
	}
	return c.MaxSizeMB << 20
}

// SandboxConfig configures sandbox placement and execution limits.
type SandboxConfig struct {
	BaseDir        string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"` // Default: system temp dir
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`       // Per-command default. Default: 300
	MaxCPUSeconds  int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`       // Default: 300
	MaxMemoryMB    int    `json:"max_memory_mb" yaml:"max_memory_mb"`           // Default: 2048
	MaxOpenFiles   int    `json:"max_open_files" yaml:"max_open_files"`         // Default: 1024
	MaxProcesses   int    `json:"max_processes" yaml:"max_processes"`           // Default: 256
}

// Timeout returns the per-command timeout.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RuntimesConfig pins runtime binary versions. Empty values use the
// built-in pins; uv resolves from its latest GitHub release when unpinned.
type RuntimesConfig struct {
	NodeVersion string `json:"node_version,omitempty" yaml:"node_version,omitempty"`
	BunVersion  string `json:"bun_version,omitempty" yaml:"bun_version,omitempty"`
	UVVersion   string `json:"uv_version,omitempty" yaml:"uv_version,omitempty"`
}

// StorageConfig configures the run-history backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/jaribu.db
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Addr               string `json:"addr" yaml:"addr"`                                                     // Default: ":8080"
	APIKey             string `json:"api_key,omitempty" yaml:"api_key,omitempty"`                           // Empty = no auth. Override: JARIBU_API_KEY env var.
	EnableWS           bool   `json:"enable_ws" yaml:"enable_ws"`                                           // Expose the /ws event stream.
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"` // Per-client request budget. 0 = unlimited.
	RateLimitBurst     int    `json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"`         // Burst size. 0 = rate_limit_per_minute.
}

// ListenAddr returns the gateway listen address.
func (g *GatewayConfig) ListenAddr() string {
	if g == nil || g.Addr == "" {
		return ":8080"
	}
	return g.Addr
}

// JanitorConfig configures scheduled cleanup of stale environments and
// the binary cache.
type JanitorConfig struct {
	Schedule          string `json:"schedule,omitempty" yaml:"schedule,omitempty"`   // Cron expression. Default: "@every 5m"
	EnvironmentTTLMin int    `json:"environment_ttl_min" yaml:"environment_ttl_min"` // Default: 60
}

// CronSchedule returns the cron expression for the janitor.
func (j *JanitorConfig) CronSchedule() string {
	if j == nil || j.Schedule == "" {
		return "@every 5m"
	}
	return j.Schedule
}

// EnvironmentTTL returns the stale-environment threshold.
func (j *JanitorConfig) EnvironmentTTL() time.Duration {
	if j == nil || j.EnvironmentTTLMin <= 0 {
		return time.Hour
	}
	return time.Duration(j.EnvironmentTTLMin) * time.Minute
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "jaribu"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection over
// provisioning, download, and test-run outcomes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.jaribu/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/jaribu.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".jaribu", "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the config at path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err == nil {
		if _, statErr := os.Stat(resolved); os.IsNotExist(statErr) {
			return Default(), nil
		}
	}
	return Load(path)
}

// Environment variable overrides — env vars take precedence over config values.
func (c *Config) applyEnvOverrides() {
	if envDD := os.Getenv("JARIBU_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envKey := os.Getenv("JARIBU_API_KEY"); envKey != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.APIKey = envKey
	}
	if envDSN := os.Getenv("JARIBU_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".jaribu")
		} else {
			c.DataDir = ".jaribu"
		}
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
}

// SQLitePath returns the SQLite database path, derived from the data dir
// when not configured explicitly.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "jaribu.db")
}

func (c *Config) validate() error {
	switch d := c.Storage.StorageDriver(); d {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver is postgres but no DSN configured")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", d)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing enabled but no OTLP endpoint configured")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
