// Package config handles configuration loading, validation, and management for flippio.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"flippio/internal/api"
	"flippio/internal/ledger"
	"flippio/internal/logging"
	"flippio/internal/query"
	"flippio/internal/syncer"
	"flippio/internal/tracing"
)

// Version is the current configuration schema version.
const Version = 1

// Transport names accepted in SyncConfig.Transports.
const (
	TransportADB       = "adb"
	TransportSimulator = "simulator"
	TransportLocal     = "local"
)

// Config holds the complete flippio configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage selects and locates the change ledger.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Sync configures working copies and device transports.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Query configures the SQLite executor used on working copies.
	Query QueryConfig `toml:"query" json:"query" yaml:"query"`

	Logging logging.Config `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configures the journal of device and ledger changes.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	API api.Config `toml:"api" json:"api" yaml:"api"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	Tracing tracing.Config `toml:"tracing" json:"tracing" yaml:"tracing"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds ledger configuration.
type StorageConfig struct {
	// Backend is "sqlite", "badger" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Path is the SQLite file or the Badger directory.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// SyncConfig holds working copy and transport configuration.
type SyncConfig struct {
	// WorkDir holds pulled working copies.
	WorkDir string `toml:"work_dir" json:"work_dir" yaml:"work_dir"`

	// MaxConcurrentPushes bounds push-all.
	MaxConcurrentPushes int `toml:"max_concurrent_pushes" json:"max_concurrent_pushes" yaml:"max_concurrent_pushes"`

	// Transports lists the enabled device transports: "adb", "simulator", "local".
	Transports []string `toml:"transports" json:"transports" yaml:"transports"`

	// AdbPath is the adb binary.
	AdbPath string `toml:"adb_path" json:"adb_path" yaml:"adb_path"`

	// XcrunPath is the xcrun binary used for iOS simulators.
	XcrunPath string `toml:"xcrun_path" json:"xcrun_path" yaml:"xcrun_path"`

	// LocalDevicesDir is the root of the "local" transport, one directory
	// per device.
	LocalDevicesDir string `toml:"local_devices_dir" json:"local_devices_dir" yaml:"local_devices_dir"`

	// LocalDeviceType is reported for devices of the "local" transport.
	LocalDeviceType string `toml:"local_device_type" json:"local_device_type" yaml:"local_device_type"`
}

// QueryConfig holds SQLite executor configuration.
type QueryConfig struct {
	BusyTimeoutMs      int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
	OpenRetryAttempts  int `toml:"open_retry_attempts" json:"open_retry_attempts" yaml:"open_retry_attempts"`
	OpenRetryBackoffMs int `toml:"open_retry_backoff_ms" json:"open_retry_backoff_ms" yaml:"open_retry_backoff_ms"`
}

// AuditConfig holds audit journal configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	// Enabled exposes /metrics on the API listener.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend:       ledger.BackendSQLite,
			Path:          filepath.Join(dir, "ledger.db"),
			BusyTimeoutMs: 5000,
		},
		Sync: SyncConfig{
			WorkDir:             filepath.Join(dir, "work"),
			MaxConcurrentPushes: 4,
			Transports:          []string{TransportADB, TransportSimulator},
			AdbPath:             "adb",
			XcrunPath:           "xcrun",
			LocalDevicesDir:     filepath.Join(dir, "devices"),
			LocalDeviceType:     "desktop",
		},
		Query: QueryConfig{
			BusyTimeoutMs:      5000,
			OpenRetryAttempts:  3,
			OpenRetryBackoffMs: 50,
		},
		Logging: logging.DefaultConfig(filepath.Join(dir, "logs")),
		Audit: AuditConfig{
			Enabled:    true,
			FilePath:   filepath.Join(dir, "logs", "audit.log"),
			MaxSizeMB:  20,
			MaxBackups: 10,
		},
		API:     api.DefaultConfig(),
		Metrics: MetricsConfig{Enabled: true},
		Tracing: tracing.DefaultConfig(),
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories flippio writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Sync.WorkDir}
	switch c.Storage.Backend {
	case ledger.BackendSQLite:
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	case ledger.BackendBadger:
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(expandPath(dir), 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base flippio directory.
// Uses platform-specific paths or FLIPPIO_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("FLIPPIO_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with FLIPPIO_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("FLIPPIO_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("FLIPPIO_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Sync overrides
	if v := os.Getenv("FLIPPIO_WORK_DIR"); v != "" {
		c.Sync.WorkDir = v
	}
	if v := os.Getenv("FLIPPIO_TRANSPORTS"); v != "" {
		c.Sync.Transports = splitList(v)
	}
	if v := os.Getenv("FLIPPIO_ADB_PATH"); v != "" {
		c.Sync.AdbPath = v
	}
	if v := os.Getenv("FLIPPIO_XCRUN_PATH"); v != "" {
		c.Sync.XcrunPath = v
	}
	if v := os.Getenv("FLIPPIO_LOCAL_DEVICES_DIR"); v != "" {
		c.Sync.LocalDevicesDir = v
	}

	// Logging overrides
	if v := os.Getenv("FLIPPIO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLIPPIO_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FLIPPIO_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// API overrides
	if v := os.Getenv("FLIPPIO_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("FLIPPIO_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}

	// Tracing overrides
	if v := os.Getenv("FLIPPIO_TRACING_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
		c.Tracing.Enabled = v != tracing.ExporterNone
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Storage: c.Storage,
		Sync:    c.Sync,
		Query:   c.Query,
		Logging: c.Logging,
		Audit:   c.Audit,
		API:     c.API,
		Metrics: c.Metrics,
		Tracing: c.Tracing,
	}
	clone.Sync.Transports = append([]string{}, c.Sync.Transports...)
	return clone
}

// LedgerConfig returns the options for ledger.Open.
func (c *Config) LedgerConfig(logger *slog.Logger) ledger.Config {
	return ledger.Config{
		Backend:     c.Storage.Backend,
		Path:        expandPath(c.Storage.Path),
		BusyTimeout: time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond,
		Logger:      logger,
	}
}

// QueryOptions returns the executor options.
func (c *Config) QueryOptions(logger *slog.Logger) query.Options {
	return query.Options{
		BusyTimeout:       time.Duration(c.Query.BusyTimeoutMs) * time.Millisecond,
		OpenRetryAttempts: c.Query.OpenRetryAttempts,
		OpenRetryBackoff:  time.Duration(c.Query.OpenRetryBackoffMs) * time.Millisecond,
		Logger:            logger,
	}
}

// SyncerConfig returns the sync coordinator configuration.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		WorkDir:             expandPath(c.Sync.WorkDir),
		MaxConcurrentPushes: c.Sync.MaxConcurrentPushes,
	}
}

// AuditRotator returns the rotation settings of the audit journal.
func (c *Config) AuditRotator() logging.RotatorConfig {
	return logging.RotatorConfig{
		Path:       expandPath(c.Audit.FilePath),
		MaxSizeMB:  c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
	}
}

// encodeTOML writes cfg as TOML.
func encodeTOML(cfg *Config) ([]byte, error) {
	var b strings.Builder
	b.WriteString("# flippio configuration\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
