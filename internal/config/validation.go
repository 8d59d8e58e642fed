package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"flippio/internal/history"
	"flippio/internal/ledger"
	"flippio/internal/logging"
	"flippio/internal/tracing"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(errs, ErrInvalidConfig) hold.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ValidateConfig returns the fatal problems of c, or nil. Warnings do not
// fail validation; use Check to see them.
func ValidateConfig(c *Config) error {
	if errs := Check(c).Errors(); len(errs) > 0 {
		return errs
	}
	return nil
}

// Check performs comprehensive validation of the configuration and returns
// every problem, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSync(&c.Sync)...)
	errs = append(errs, validateQuery(&c.Query)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateAPI(c)...)
	errs = append(errs, validateTracing(&c.Tracing)...)
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case ledger.BackendSQLite, ledger.BackendBadger:
		if expandPath(s.Path) == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: fmt.Sprintf("path is required for the %s backend", s.Backend),
			})
		}
	case ledger.BackendMemory:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: "memory backend loses all history on exit",
			Warning: true,
		})
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: sqlite, badger, memory)", s.Backend),
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors

	if expandPath(s.WorkDir) == "" {
		errs = append(errs, ValidationError{
			Field:   "sync.work_dir",
			Message: "work directory is required",
		})
	}

	if s.MaxConcurrentPushes < 0 || s.MaxConcurrentPushes > 64 {
		errs = append(errs, ValidationError{
			Field:   "sync.max_concurrent_pushes",
			Message: "value must be between 0 and 64",
		})
	}

	for i, t := range s.Transports {
		field := fmt.Sprintf("sync.transports[%d]", i)
		switch t {
		case TransportADB:
			if _, err := exec.LookPath(s.AdbPath); err != nil {
				errs = append(errs, ValidationError{
					Field:   "sync.adb_path",
					Message: fmt.Sprintf("%s not found; Android devices will be unavailable", s.AdbPath),
					Warning: true,
				})
			}
		case TransportSimulator:
			if _, err := exec.LookPath(s.XcrunPath); err != nil {
				errs = append(errs, ValidationError{
					Field:   "sync.xcrun_path",
					Message: fmt.Sprintf("%s not found; iOS simulators will be unavailable", s.XcrunPath),
					Warning: true,
				})
			}
		case TransportLocal:
			if expandPath(s.LocalDevicesDir) == "" {
				errs = append(errs, ValidationError{
					Field:   "sync.local_devices_dir",
					Message: "directory is required for the local transport",
				})
			} else if _, err := os.Stat(expandPath(s.LocalDevicesDir)); err != nil {
				errs = append(errs, ValidationError{
					Field:   "sync.local_devices_dir",
					Message: fmt.Sprintf("directory does not exist yet: %s", s.LocalDevicesDir),
					Warning: true,
				})
			}
			if !validDeviceType(s.LocalDeviceType) {
				errs = append(errs, ValidationError{
					Field:   "sync.local_device_type",
					Message: fmt.Sprintf("invalid device type: %s", s.LocalDeviceType),
				})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("unknown transport: %s (valid: adb, simulator, local)", t),
			})
		}
	}

	return errs
}

func validDeviceType(t string) bool {
	return slices.Contains([]history.DeviceType{
		history.DeviceAndroid,
		history.DeviceAndroidEmulator,
		history.DeviceIOS,
		history.DeviceIOSSimulator,
		history.DeviceDesktop,
	}, history.DeviceType(t))
}

func validateQuery(q *QueryConfig) ValidationErrors {
	var errs ValidationErrors

	if q.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "query.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	if q.OpenRetryAttempts < 0 || q.OpenRetryAttempts > 20 {
		errs = append(errs, ValidationError{
			Field:   "query.open_retry_attempts",
			Message: "value must be between 0 and 20",
		})
	}
	if q.OpenRetryBackoffMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "query.open_retry_backoff_ms",
			Message: "backoff cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *logging.Config) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	if !a.Enabled {
		return nil
	}
	var errs ValidationErrors
	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "file path is required when the audit journal is enabled",
		})
	}
	if a.MaxSizeMB < 0 || a.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "audit",
			Message: "rotation limits cannot be negative",
		})
	}
	return errs
}

func validateAPI(c *Config) ValidationErrors {
	var errs ValidationErrors

	host, _, err := net.SplitHostPort(c.API.Listen)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", c.API.Listen, err),
		})
	} else if host == "" || host == "0.0.0.0" || host == "::" {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: "listening on all interfaces exposes device databases to the network",
			Warning: true,
		})
	}

	if c.API.ReadTimeout < 0 || c.API.WriteTimeout < 0 || c.API.ShutdownTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "api",
			Message: "timeouts cannot be negative",
		})
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.rate_limit",
			Message: "rate limit and burst cannot be negative",
		})
	}
	if c.API.MaxBodyBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.max_body_bytes",
			Message: "max body size cannot be negative",
		})
	}

	return errs
}

func validateTracing(t *tracing.Config) ValidationErrors {
	var errs ValidationErrors

	switch t.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterStdout:
	case tracing.ExporterFile:
		if t.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "tracing.file_path",
				Message: "file path is required for the file exporter",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("invalid exporter: %s (valid: none, stdout, file)", t.Exporter),
		})
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{
			Field:   "tracing.sample_ratio",
			Message: "value must be between 0 and 1",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
