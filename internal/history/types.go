// Package history defines the change-history domain model for flippio:
// change events, their tagged operation types, field-level changes, device
// contexts and the derived per-context summaries.
package history

import (
	"cmp"
	"path"
	"slices"
	"strings"
	"time"
)

// DeviceType identifies where a database file lives.
type DeviceType string

const (
	DeviceAndroid         DeviceType = "android"
	DeviceAndroidEmulator DeviceType = "android-emulator"
	DeviceIOS             DeviceType = "ios"
	DeviceIOSSimulator    DeviceType = "ios-simulator"
	DeviceDesktop         DeviceType = "desktop"
)

// IsDesktop reports whether the file was opened from the local filesystem
// rather than pulled from a device.
func (t DeviceType) IsDesktop() bool {
	return t == DeviceDesktop || t == ""
}

// IsAndroid reports whether t is an Android device or emulator.
func (t DeviceType) IsAndroid() bool {
	return t == DeviceAndroid || t == DeviceAndroidEmulator
}

// IsIOS reports whether t is an iOS device or simulator.
func (t DeviceType) IsIOS() bool {
	return t == DeviceIOS || t == DeviceIOSSimulator
}

// DeviceContext is the (device, application, database) selection of one
// editing session. It is rebuilt every session and only persisted as the
// audit snapshot inside UserContext.
type DeviceContext struct {
	DeviceID     string     `json:"deviceId" validate:"max=256"`
	DeviceName   string     `json:"deviceName,omitempty"`
	DeviceType   DeviceType `json:"deviceType" validate:"omitempty,oneof=android android-emulator ios ios-simulator desktop"`
	PackageName  string     `json:"packageName,omitempty" validate:"max=256"`
	AppName      string     `json:"appName,omitempty"`
	DatabasePath string     `json:"databasePath" validate:"required"`
}

// DatabaseFilename returns the base name of the database path.
func (d DeviceContext) DatabaseFilename() string {
	return path.Base(strings.ReplaceAll(d.DatabasePath, "\\", "/"))
}

// UserContext is the audit snapshot stored with every event, so the event
// stays attributable after the live device disappears.
type UserContext struct {
	Device    DeviceContext `json:"device"`
	SessionID string        `json:"sessionId"`
}

// FieldChange is the before/after value of one column.
type FieldChange struct {
	FieldName string `json:"fieldName"`
	OldValue  any    `json:"oldValue"`
	NewValue  any    `json:"newValue"`
	DataType  string `json:"dataType"`
}

// Metadata carries execution details of the mutation behind an event.
type Metadata struct {
	AffectedRows       int64      `json:"affectedRows"`
	ExecutionTimeMs    int64      `json:"executionTimeMs"`
	SQLStatement       string     `json:"sqlStatement,omitempty"`
	OriginalRemotePath string     `json:"originalRemotePath,omitempty"`
	PullTimestamp      *time.Time `json:"pullTimestamp,omitempty"`
}

// ChangeEvent is one immutable ledger record.
type ChangeEvent struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	ContextKey       string         `json:"contextKey"`
	DatabasePath     string         `json:"databasePath"`
	DatabaseFilename string         `json:"databaseFilename"`
	TableName        string         `json:"tableName"`
	Operation        Operation      `json:"-"`
	UserContext      UserContext    `json:"userContext"`
	Changes          []FieldChange  `json:"changes"`
	RowIdentifier    map[string]any `json:"rowIdentifier,omitempty"`
	Metadata         Metadata       `json:"metadata"`
}

// Clone returns a deep copy of the event. Ledgers hand out clones so callers
// can never mutate a stored record.
func (e *ChangeEvent) Clone() *ChangeEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Operation = cloneOperation(e.Operation)
	c.Changes = append([]FieldChange(nil), e.Changes...)
	if e.RowIdentifier != nil {
		c.RowIdentifier = make(map[string]any, len(e.RowIdentifier))
		for k, v := range e.RowIdentifier {
			c.RowIdentifier[k] = v
		}
	}
	if e.Metadata.PullTimestamp != nil {
		ts := *e.Metadata.PullTimestamp
		c.Metadata.PullTimestamp = &ts
	}
	return &c
}

// ContextSummary aggregates the ledger contents of one context. It is always
// recomputed from the ledger and never stored.
type ContextSummary struct {
	ContextKey       string    `json:"contextKey"`
	DeviceName       string    `json:"deviceName"`
	AppName          string    `json:"appName"`
	DatabaseFilename string    `json:"databaseFilename"`
	TotalChanges     int       `json:"totalChanges"`
	LastChangeTime   time.Time `json:"lastChangeTime"`
}

// Summarize folds events into per-context summaries ordered by last change,
// newest first. Device and app names come from the newest event of each
// context.
func Summarize(events []*ChangeEvent) []ContextSummary {
	byKey := make(map[string]*ContextSummary)
	var order []string
	for _, e := range events {
		s, ok := byKey[e.ContextKey]
		if !ok {
			s = &ContextSummary{ContextKey: e.ContextKey}
			byKey[e.ContextKey] = s
			order = append(order, e.ContextKey)
		}
		s.TotalChanges++
		if s.LastChangeTime.IsZero() || !e.Timestamp.Before(s.LastChangeTime) {
			s.LastChangeTime = e.Timestamp
			s.DeviceName = e.UserContext.Device.DeviceName
			s.AppName = e.UserContext.Device.AppName
			s.DatabaseFilename = e.DatabaseFilename
		}
	}

	out := make([]ContextSummary, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	SortSummaries(out)
	return out
}

// SortSummaries orders summaries by last change time, newest first.
func SortSummaries(s []ContextSummary) {
	slices.SortStableFunc(s, func(a, b ContextSummary) int {
		if c := b.LastChangeTime.Compare(a.LastChangeTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ContextKey, b.ContextKey)
	})
}
