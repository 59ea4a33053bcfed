// Package config handles loading and validating lbforge configuration.
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

// Config is the root configuration for lbforge.
type Config struct {
	ListenAddr     string               `json:"listen_addr" yaml:"listen_addr"`                             // Default: 127.0.0.1:8080. Override: LBFORGE_LISTEN_ADDR env var.
	CasesDir       string               `json:"cases_dir" yaml:"cases_dir"`                                 // Case root directory. Override: LBFORGE_CASES_DIR env var.
	AuditLog       string               `json:"audit_log,omitempty" yaml:"audit_log,omitempty"`             // Default: derived from cases dir. Override: LBFORGE_AUDIT_LOG env var.
	AllowedOrigins []string             `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS origins. Default: local dev server.
	Limits         LimitsConfig         `json:"limits" yaml:"limits"`
	Build          BuildConfig          `json:"build" yaml:"build"`
	Duplicate      DuplicateConfig      `json:"duplicate" yaml:"duplicate"`
	Storage        *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from cases dir)
	Observability  *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LimitsConfig sets request throttling and body caps.
type LimitsConfig struct {
	MutatingPerMinute int   `json:"mutating_per_minute" yaml:"mutating_per_minute"` // Default: 20.
	ReadPerMinute     int   `json:"read_per_minute" yaml:"read_per_minute"`         // Default: 60.
	MaxIdentities     int   `json:"max_identities" yaml:"max_identities"`           // Default: 10000.
	MaxRequestBytes   int64 `json:"max_request_bytes" yaml:"max_request_bytes"`     // Default: 1 MiB.
	MaxConfigBytes    int64 `json:"max_config_bytes" yaml:"max_config_bytes"`       // Default: 1 MiB.
}

// MutatingLimit returns the mutating request budget with a default of 20/min.
func (l *LimitsConfig) MutatingLimit() int {
	if l.MutatingPerMinute > 0 {
		return l.MutatingPerMinute
	}
	return 20
}

// ReadLimit returns the read request budget with a default of 60/min.
func (l *LimitsConfig) ReadLimit() int {
	if l.ReadPerMinute > 0 {
		return l.ReadPerMinute
	}
	return 60
}

// RequestBytes returns the request body cap with a default of 1 MiB.
func (l *LimitsConfig) RequestBytes() int64 {
	if l.MaxRequestBytes > 0 {
		return l.MaxRequestBytes
	}
	return 1 << 20
}

// ConfigBytes returns the config document cap with a default of 1 MiB.
func (l *LimitsConfig) ConfigBytes() int64 {
	if l.MaxConfigBytes > 0 {
		return l.MaxConfigBytes
	}
	return 1 << 20
}

// BuildConfig configures command execution.
type BuildConfig struct {
	BuildTimeoutSeconds int    `json:"build_timeout_seconds" yaml:"build_timeout_seconds"` // Default: 300.
	RunTimeoutSeconds   int    `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`     // Default: 600.
	OutputCeilingBytes  int64  `json:"output_ceiling_bytes" yaml:"output_ceiling_bytes"`   // Default: 10 MiB.
	TailBytes           int    `json:"tail_bytes" yaml:"tail_bytes"`                       // Default: 100 KiB.
	EnvPrefix           string `json:"env_prefix" yaml:"env_prefix"`                       // Extra env passthrough prefix. Default: "OLB_".
}

// BuildTimeout returns the make timeout with a default of 5m.
func (b *BuildConfig) BuildTimeout() time.Duration {
	if b.BuildTimeoutSeconds > 0 {
		return time.Duration(b.BuildTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RunTimeout returns the simulation timeout with a default of 10m.
func (b *BuildConfig) RunTimeout() time.Duration {
	if b.RunTimeoutSeconds > 0 {
		return time.Duration(b.RunTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// Prefix returns the env passthrough prefix with a default of "OLB_".
func (b *BuildConfig) Prefix() string {
	if b.EnvPrefix != "" {
		return b.EnvPrefix
	}
	return "OLB_"
}

// DuplicateConfig sets case replication quotas.
type DuplicateConfig struct {
	MaxFiles int   `json:"max_files" yaml:"max_files"` // Default: 1000.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"` // Default: 500 MB.
}

// StorageConfig configures the execution history backend.
// When nil, defaults to SQLite with the database path derived from the cases dir.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from cases dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by the LBFORGE_DB_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "lbforge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB       bool `json:"include_db" yaml:"include_db"`
	IncludeCasesDir bool `json:"include_cases_dir" yaml:"include_cases_dir"`
}

// DefaultConfigPath returns the default config file path (~/.lbforge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/lbforge.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".lbforge", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Paths and the listen address can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
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

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config built entirely from defaults and environment
// variables, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides — env vars take
// precedence over config values.
func (c *Config) applyEnv() {
	if env := os.Getenv("LBFORGE_LISTEN_ADDR"); env != "" {
		c.ListenAddr = env
	}
	if env := os.Getenv("LBFORGE_CASES_DIR"); env != "" {
		c.CasesDir = env
	}
	if env := os.Getenv("LBFORGE_AUDIT_LOG"); env != "" {
		c.AuditLog = env
	}
	if env := os.Getenv("LBFORGE_DB_DSN"); env != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Addr returns the listen address with a default of loopback only.
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return "127.0.0.1:8080"
}

// ResolvedCasesDir returns the cases directory, resolving ~ if needed.
func (c *Config) ResolvedCasesDir() string {
	dir := c.CasesDir
	if dir == "" {
		dir = "cases"
	}
	resolved, err := resolvePath(dir)
	if err != nil {
		return dir
	}
	return resolved
}

// AuditLogPath returns the audit log path, defaulting to a sibling of the
// cases directory so the executed commands can never overwrite it.
func (c *Config) AuditLogPath() string {
	if c.AuditLog != "" {
		return c.AuditLog
	}
	return filepath.Join(filepath.Dir(c.ResolvedCasesDir()), "lbforge-audit.jsonl")
}

// DatabasePath returns the default SQLite database path, also kept outside
// the cases directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(filepath.Dir(c.ResolvedCasesDir()), "lbforge.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Origins returns the allowed CORS origins, defaulting to the local
// development frontend.
func (c *Config) Origins() []string {
	if len(c.AllowedOrigins) > 0 {
		return c.AllowedOrigins
	}
	return []string{"http://localhost:5173", "http://127.0.0.1:5173"}
}

func (c *Config) validate() error {
	if c.Limits.MutatingPerMinute < 0 {
		return fmt.Errorf("limits.mutating_per_minute must not be negative")
	}
	if c.Limits.ReadPerMinute < 0 {
		return fmt.Errorf("limits.read_per_minute must not be negative")
	}
	if c.Build.BuildTimeoutSeconds < 0 {
		return fmt.Errorf("build.build_timeout_seconds must not be negative")
	}
	if c.Build.RunTimeoutSeconds < 0 {
		return fmt.Errorf("build.run_timeout_seconds must not be negative")
	}
	if c.Duplicate.MaxFiles < 0 {
		return fmt.Errorf("duplicate.max_files must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set LBFORGE_DB_DSN env var)")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}
