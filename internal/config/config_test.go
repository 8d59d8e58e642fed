package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flippio/internal/ledger"
	"flippio/internal/tracing"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FLIPPIO_DATA_DIR", dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.Backend != ledger.BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("unexpected ledger path: %s", cfg.Storage.Path)
	}
	if cfg.Sync.WorkDir != filepath.Join(dir, "work") {
		t.Errorf("unexpected work dir: %s", cfg.Sync.WorkDir)
	}
	if !strings.HasPrefix(cfg.API.Listen, "127.0.0.1:") {
		t.Errorf("API should listen on localhost by default, got %s", cfg.API.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)
	if got := ConfigPath(); got != filepath.Join(dir, "config.toml") {
		t.Errorf("expected config.toml under data dir, got %s", got)
	}
}

func TestDataDirFallsBackToPlatform(t *testing.T) {
	t.Setenv("FLIPPIO_DATA_DIR", "")
	dir := DataDir()
	if dir == "" || !strings.Contains(dir, "flippio") {
		t.Errorf("expected a flippio platform dir, got %q", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.BusyTimeoutMs != 5000 {
		t.Errorf("expected default busy timeout, got %d", cfg.Storage.BusyTimeoutMs)
	}
}

func TestLoadTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
# flippio configuration
version = 1

[storage]
backend = "badger"
path = "/var/lib/flippio/ledger" # inline comment

[sync]
transports = ["local"]
local_devices_dir = "/tmp/devices"
local_device_type = "android-emulator"
max_concurrent_pushes = 8

[logging]
level = "debug"
format = "json"

[api]
listen = "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != ledger.BackendBadger || cfg.Storage.Path != "/var/lib/flippio/ledger" {
		t.Errorf("unexpected storage: %+v", cfg.Storage)
	}
	if len(cfg.Sync.Transports) != 1 || cfg.Sync.Transports[0] != TransportLocal {
		t.Errorf("unexpected transports: %v", cfg.Sync.Transports)
	}
	if cfg.Sync.MaxConcurrentPushes != 8 {
		t.Errorf("expected 8 concurrent pushes, got %d", cfg.Sync.MaxConcurrentPushes)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if cfg.API.Listen != "127.0.0.1:9000" {
		t.Errorf("unexpected listen address: %s", cfg.API.Listen)
	}
	// Unset sections keep their defaults.
	if cfg.Query.OpenRetryAttempts != 3 {
		t.Errorf("expected default retry attempts, got %d", cfg.Query.OpenRetryAttempts)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	writeFile(t, jsonPath, `{"storage": {"backend": "memory"}, "logging": {"level": "warn"}}`)
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Storage.Backend != ledger.BackendMemory || cfg.Logging.Level != "warn" {
		t.Errorf("unexpected JSON config: %+v %+v", cfg.Storage, cfg.Logging)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	writeFile(t, yamlPath, "sync:\n  adb_path: /opt/android/adb\napi:\n  read_timeout: 5s\n")
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Sync.AdbPath != "/opt/android/adb" {
		t.Errorf("unexpected adb path: %s", cfg.Sync.AdbPath)
	}
	if cfg.API.ReadTimeout != 5*time.Second {
		t.Errorf("expected 5s read timeout, got %v", cfg.API.ReadTimeout)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "this is not valid toml {{{\n")

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("FLIPPIO_STORAGE_BACKEND", "badger")
	t.Setenv("FLIPPIO_STORAGE_PATH", "/data/ledger")
	t.Setenv("FLIPPIO_TRANSPORTS", "adb, local")
	t.Setenv("FLIPPIO_LOG_LEVEL", "debug")
	t.Setenv("FLIPPIO_API_LISTEN", "127.0.0.1:8088")
	t.Setenv("FLIPPIO_METRICS_ENABLED", "false")
	t.Setenv("FLIPPIO_TRACING_EXPORTER", "stdout")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "badger" || cfg.Storage.Path != "/data/ledger" {
		t.Errorf("storage overrides not applied: %+v", cfg.Storage)
	}
	if len(cfg.Sync.Transports) != 2 || cfg.Sync.Transports[1] != "local" {
		t.Errorf("transport override not applied: %v", cfg.Sync.Transports)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %s", cfg.Logging.Level)
	}
	if cfg.API.Listen != "127.0.0.1:8088" {
		t.Errorf("listen override not applied: %s", cfg.API.Listen)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics override not applied")
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != tracing.ExporterStdout {
		t.Errorf("tracing override not applied: %+v", cfg.Tracing)
	}
}

func TestValidateRejects(t *testing.T) {
	isolate(t)
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 99 }, "version"},
		{"backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"ledger path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"work dir", func(c *Config) { c.Sync.WorkDir = "" }, "sync.work_dir"},
		{"transport", func(c *Config) { c.Sync.Transports = []string{"usb"} }, "sync.transports[0]"},
		{"device type", func(c *Config) {
			c.Sync.Transports = []string{TransportLocal}
			c.Sync.LocalDeviceType = "watch"
		}, "sync.local_device_type"},
		{"retries", func(c *Config) { c.Query.OpenRetryAttempts = -1 }, "query.open_retry_attempts"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"listen", func(c *Config) { c.API.Listen = "localhost" }, "api.listen"},
		{"rate limit", func(c *Config) { c.API.RateLimit = -1 }, "api.rate_limit"},
		{"exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range errs {
				if e.Field == test.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", test.field, errs)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Backend = ledger.BackendMemory
	cfg.API.Listen = "0.0.0.0:7420"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings must not fail validation: %v", err)
	}
	warnings := Check(cfg).Warnings()
	fields := make(map[string]bool)
	for _, w := range warnings {
		fields[w.Field] = true
	}
	if !fields["storage.backend"] || !fields["api.listen"] {
		t.Errorf("expected storage and listen warnings, got %v", warnings)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "a", "b", "ledger.db")
	cfg.Sync.WorkDir = filepath.Join(dir, "c", "work")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "d", "flippio.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{filepath.Join("a", "b"), filepath.Join("c", "work"), "d", "logs"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("%s was not created: %v", sub, err)
		}
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolate(t)
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Storage.Backend = ledger.BackendBadger
			cfg.Sync.Transports = []string{TransportLocal}
			cfg.API.ReadTimeout = 7 * time.Second

			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Storage.Backend != ledger.BackendBadger {
				t.Errorf("backend not preserved: %s", loaded.Storage.Backend)
			}
			if len(loaded.Sync.Transports) != 1 || loaded.Sync.Transports[0] != TransportLocal {
				t.Errorf("transports not preserved: %v", loaded.Sync.Transports)
			}
			if loaded.API.ReadTimeout != 7*time.Second {
				t.Errorf("read timeout not preserved: %v", loaded.API.ReadTimeout)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("existing file should be loaded, not created")
	}
}

func TestClone(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Sync.Transports[0] = "changed"
	clone.Storage.Path = "/elsewhere"

	if cfg.Sync.Transports[0] == "changed" || cfg.Storage.Path == "/elsewhere" {
		t.Error("clone shares state with the original")
	}
}

func TestDerivedOptions(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()

	lc := cfg.LedgerConfig(nil)
	if lc.Backend != ledger.BackendSQLite || lc.BusyTimeout != 5*time.Second {
		t.Errorf("unexpected ledger config: %+v", lc)
	}
	qo := cfg.QueryOptions(nil)
	if qo.OpenRetryAttempts != 3 || qo.OpenRetryBackoff != 50*time.Millisecond {
		t.Errorf("unexpected query options: %+v", qo)
	}
	if sc := cfg.SyncerConfig(); sc.WorkDir != cfg.Sync.WorkDir || sc.MaxConcurrentPushes != 4 {
		t.Errorf("unexpected syncer config: %+v", sc)
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[logging]\nlevel = \"info\"\n")

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		if old.Logging.Level == "info" {
			select {
			case changed <- new:
			default:
			}
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "[logging]\nlevel = \"debug\"\n")

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", cfg.Logging.Level)
		}
		if loader.Config().Logging.Level != "debug" {
			t.Error("loader did not keep the reloaded config")
		}
	case err := <-loader.Errors():
		t.Fatalf("reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[logging]\nlevel = \"warn\"\n")

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "[logging]\nlevel = \"loud\"\n")

	select {
	case err := <-loader.Errors():
		if !strings.Contains(err.Error(), "validate new config") {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if loader.Config().Logging.Level != "warn" {
		t.Errorf("invalid reload replaced config: %s", loader.Config().Logging.Level)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("APPDATA", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	if got := FindConfigFile(); got != "" {
		t.Errorf("expected no config file, got %s", got)
	}

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "version: 1\n")
	if got := FindConfigFile(); got != path {
		t.Errorf("expected %s, got %s", path, got)
	}
}
