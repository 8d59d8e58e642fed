package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditAction names an operation that changes the device or the ledger.
type AuditAction string

// Audited actions.
const (
	AuditPull         AuditAction = "pull"
	AuditPush         AuditAction = "push"
	AuditRevert       AuditAction = "revert"
	AuditClearContext AuditAction = "clear_context"
	AuditClearAll     AuditAction = "clear_all"
	AuditImport       AuditAction = "import"
)

// Audit results.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEvent is one line of the audit journal.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Action     AuditAction    `json:"action"`
	Result     string         `json:"result"`
	ContextKey string         `json:"context_key,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	ChangeID   string         `json:"change_id,omitempty"`
	Count      int            `json:"count,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// AuditLogger appends AuditEvents as JSON lines. A nil *AuditLogger
// discards every event.
type AuditLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewAuditLogger writes the journal to a rotated file.
func NewAuditLogger(cfg RotatorConfig) (*AuditLogger, error) {
	r, err := NewFileRotator(cfg)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	return &AuditLogger{w: r, closer: r, now: time.Now}, nil
}

// NewAuditWriter writes the journal to w.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{w: w, now: time.Now}
}

// Record appends e, filling in the timestamp, the request ID of ctx and the
// result implied by err.
func (a *AuditLogger) Record(ctx context.Context, e AuditEvent, err error) error {
	if a == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if e.Result == "" {
		e.Result = AuditSuccess
		if err != nil {
			e.Result = AuditFailure
		}
	}
	if err != nil && e.Error == "" {
		e.Error = err.Error()
	}

	data, merr := json.Marshal(e)
	if merr != nil {
		return fmt.Errorf("marshal audit event: %w", merr)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, werr := a.w.Write(data); werr != nil {
		return fmt.Errorf("write audit event: %w", werr)
	}
	return nil
}

// Close closes the journal file, if the logger owns one.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
