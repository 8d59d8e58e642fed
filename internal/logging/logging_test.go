package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/var/log/flippio")

	if cfg.Level != "info" {
		t.Errorf("expected default level info, got %q", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format text, got %q", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.FilePath != filepath.Join("/var/log/flippio", "flippio.log") {
		t.Errorf("unexpected file path %s", cfg.FilePath)
	}
	if cfg.MaxSizeMB <= 0 || cfg.MaxAgeDays <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive retention settings, got %+v", cfg)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Level = "loud"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestJSONFormatAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(t.TempDir())
	cfg.Format = FormatJSON
	cfg.Component = "test"

	logger, err := New(cfg, &buf)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Info("pulled", "context_key", "ctx_abc", "session_id", "s-1", "api_token", "hunter2")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["component"] != "test" {
		t.Errorf("expected component attribute, got %v", rec["component"])
	}
	if rec["context_key"] != "ctx_abc" || rec["session_id"] != "s-1" {
		t.Errorf("identifiers must not be redacted: %v", rec)
	}
	if rec["api_token"] != "[REDACTED]" {
		t.Errorf("expected token to be redacted, got %v", rec["api_token"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig(t.TempDir())
	cfg.Level = "warn"

	logger, err := New(cfg, &buf)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn record missing")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(DefaultConfig(t.TempDir()), &buf)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	child := logger.WithComponent("child")

	child.Debug("before")
	if err := logger.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	child.Debug("after")

	if strings.Contains(buf.String(), "before") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(buf.String(), "after") {
		t.Error("derived logger did not follow the level change")
	}
	if logger.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.Level())
	}
	if err := logger.SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"auth_token", true},
		{"credential", true},
		{"private_key", true},
		{"cookie", true},
		{"context_key", false},
		{"session_id", false},
		{"device", false},
		{"table", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestRequestIDs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(DefaultConfig(t.TempDir()), &buf)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent("api").NewRequestID()
	if id1 == "" || id1 == id2 {
		t.Errorf("expected distinct request IDs, got %q and %q", id1, id2)
	}

	ctx := ContextWithRequestID(context.Background(), "req-42")
	if got := RequestIDFromContext(ctx); got != "req-42" {
		t.Errorf("expected req-42, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	logger.WithContext(ctx).Info("handled")
	if !strings.Contains(buf.String(), "request_id=req-42") {
		t.Errorf("request id missing from %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Output = "file"

	logger, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("to file")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(RotatorConfig{
		Path:       logPath,
		MaxSizeMB:  1,
		MaxAgeDays: 7,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1100; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one rotated file, got %v", backups)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() >= 1024*1024 {
		t.Errorf("current log was not rotated, size %d", info.Size())
	}
}

func TestFileRotatorCompressesAndPrunes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(RotatorConfig{Path: logPath, MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	chunk := bytes.Repeat([]byte("y"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one retained backup, got %v", backups)
	}
	if !strings.HasSuffix(backups[0], ".gz") {
		t.Errorf("expected compressed backup, got %s", backups[0])
	}
}

func TestFileRotatorEmptyPath(t *testing.T) {
	if _, err := NewFileRotator(RotatorConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditWriter(&buf)
	ctx := ContextWithRequestID(context.Background(), "req-7")

	if err := audit.Record(ctx, AuditEvent{Action: AuditClearContext, ContextKey: "ctx_a", Count: 3}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := audit.Record(ctx, AuditEvent{Action: AuditPush, DeviceID: "emulator-5554"}, errors.New("device offline")); err != nil {
		t.Fatalf("record: %v", err)
	}

	var events []AuditEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Result != AuditSuccess || events[0].Count != 3 || events[0].RequestID != "req-7" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}
	if events[1].Result != AuditFailure || events[1].Error != "device offline" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestAuditLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	audit, err := NewAuditLogger(RotatorConfig{Path: path})
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	if err := audit.Record(context.Background(), AuditEvent{Action: AuditImport, Count: 2}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"action":"import"`) {
		t.Errorf("audit log missing event: %s", data)
	}
}

func TestNilAuditLogger(t *testing.T) {
	var audit *AuditLogger
	if err := audit.Record(context.Background(), AuditEvent{Action: AuditRevert}, nil); err != nil {
		t.Errorf("nil logger should discard, got %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Errorf("nil logger close: %v", err)
	}
}
