// Package logging provides structured logging with slog for flippio.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Request IDs carried through contexts
//   - Credential redaction
//   - Size and daily rotation of log files
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int   `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	MaxBackups int   `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool  `toml:"compress" json:"compress" yaml:"compress"`
	AddSource  bool  `toml:"add_source" json:"add_source" yaml:"add_source"`

	// Component is attached to every record when set.
	Component string `toml:"-" json:"-" yaml:"-"`
}

// DefaultConfig returns a default logging configuration writing text to
// stderr. logDir is where the log file goes if file output is enabled.
func DefaultConfig(logDir string) Config {
	return Config{
		Level:      "info",
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   filepath.Join(logDir, "flippio.log"),
		MaxSizeMB:  50,
		MaxAgeDays: 14,
		MaxBackups: 5,
		Compress:   true,
	}
}

// Logger wraps slog.Logger with the file rotator behind it.
type Logger struct {
	*slog.Logger
	config    Config
	rotator   *FileRotator
	mu        sync.Mutex
	requestID *atomic.Uint64
	level     *slog.LevelVar
}

// New creates a Logger. stderr replaces os.Stderr when non-nil, which lets
// tests capture output.
func New(cfg Config, stderr io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil && cfg.Level != "" {
		return nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	l := &Logger{config: cfg, requestID: new(atomic.Uint64), level: new(slog.LevelVar)}
	l.level.Set(level)

	var writers []io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		writers = append(writers, os.Stdout)
	case "file", "both":
		if strings.EqualFold(cfg.Output, "both") {
			writers = append(writers, stderr)
		}
		rotator, err := NewFileRotator(RotatorConfig{
			Path:       cfg.FilePath,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxAgeDays: cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("setup log file: %w", err)
		}
		l.rotator = rotator
		writers = append(writers, rotator)
	default:
		writers = append(writers, stderr)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, FormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Install makes l the process-wide slog default.
func (l *Logger) Install() {
	slog.SetDefault(l.Logger)
}

// shouldRedact reports whether an attribute key names a credential.
// Context keys and session ids are identifiers, not secrets.
func shouldRedact(key string) bool {
	sensitive := []string{
		"password", "secret", "token", "credential",
		"private_key", "authorization", "cookie", "api_key", "apikey",
	}
	lower := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{
		Logger:    logger,
		config:    l.config,
		rotator:   l.rotator,
		requestID: l.requestID,
		level:     l.level,
	}
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	l.level.Set(level)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	return l.level.Level()
}

// WithRequestID returns a logger tagged with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("request_id", id)))
}

// NewRequestID generates a process-unique request ID.
func (l *Logger) NewRequestID() string {
	id := l.requestID.Add(1)
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), id)
}

// WithComponent returns a logger with a component attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithContext returns a logger carrying the request ID of ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return l.WithRequestID(reqID)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a new context with the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}
