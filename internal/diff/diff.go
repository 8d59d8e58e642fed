// Package diff turns the before and after state of a mutation into the
// field-level changes of a ChangeEvent.
package diff

import (
	"fmt"
	"slices"
	"time"

	"github.com/segmentio/ksuid"

	"flippio/internal/history"
)

// Column describes one table column as reported by the query executor.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"notNull"`
	PK      int    `json:"pk"`
}

// Row is a single table row keyed by column name.
type Row map[string]any

// Update returns one FieldChange per field present in both rows whose
// values differ after coercion to the column type.
func Update(columns []Column, before, after Row) []history.FieldChange {
	var out []history.FieldChange
	for _, name := range fieldOrder(columns, before, after) {
		oldV, inBefore := before[name]
		newV, inAfter := after[name]
		if !inBefore || !inAfter {
			continue
		}
		dt := dataType(columns, name, oldV, newV)
		if history.Equal(oldV, newV, dt) {
			continue
		}
		out = append(out, history.FieldChange{
			FieldName: name,
			OldValue:  history.Coerce(oldV, dt),
			NewValue:  history.Coerce(newV, dt),
			DataType:  dt,
		})
	}
	return out
}

// Insert returns one FieldChange per non-null field of the inserted row.
func Insert(columns []Column, after Row) []history.FieldChange {
	var out []history.FieldChange
	for _, name := range fieldOrder(columns, nil, after) {
		v := after[name]
		if v == nil {
			continue
		}
		dt := dataType(columns, name, nil, v)
		out = append(out, history.FieldChange{
			FieldName: name,
			NewValue:  history.Coerce(v, dt),
			DataType:  dt,
		})
	}
	return out
}

// Delete returns one FieldChange per field of the deleted row, with no new
// value.
func Delete(columns []Column, before Row) []history.FieldChange {
	var out []history.FieldChange
	for _, name := range fieldOrder(columns, before, nil) {
		v := before[name]
		dt := dataType(columns, name, v, nil)
		out = append(out, history.FieldChange{
			FieldName: name,
			OldValue:  history.Coerce(v, dt),
			DataType:  dt,
		})
	}
	return out
}

// Invert swaps old and new values, producing the changes applied by a
// revert of an update.
func Invert(changes []history.FieldChange) []history.FieldChange {
	out := make([]history.FieldChange, len(changes))
	for i, c := range changes {
		out[i] = history.FieldChange{
			FieldName: c.FieldName,
			OldValue:  c.NewValue,
			NewValue:  c.OldValue,
			DataType:  c.DataType,
		}
	}
	return out
}

// fieldOrder lists field names in column order, followed by any extra
// fields of the rows in sorted order.
func fieldOrder(columns []Column, rows ...Row) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range columns {
		for _, r := range rows {
			if _, ok := r[c.Name]; ok && !seen[c.Name] {
				seen[c.Name] = true
				names = append(names, c.Name)
			}
		}
	}
	var extra []string
	for _, r := range rows {
		for name := range r {
			if !seen[name] {
				seen[name] = true
				extra = append(extra, name)
			}
		}
	}
	slices.Sort(extra)
	return append(names, extra...)
}

func dataType(columns []Column, name string, values ...any) string {
	for _, c := range columns {
		if c.Name == name && c.Type != "" {
			return c.Type
		}
	}
	for _, v := range values {
		if t := inferType(v); t != "" {
			return t
		}
	}
	return history.AffinityText
}

func inferType(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return history.AffinityInteger
	case float32, float64:
		return history.AffinityReal
	case []byte:
		return history.AffinityBlob
	default:
		return history.AffinityText
	}
}

// Base carries the per-session attributes shared by every event of one
// working copy.
type Base struct {
	ContextKey         string
	DatabasePath       string
	Device             history.DeviceContext
	SessionID          string
	OriginalRemotePath string
	PullTimestamp      *time.Time
}

// Builder packages diffs into ChangeEvents with fresh ids and timestamps.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using the wall clock and KSUID ids.
func NewBuilder() *Builder {
	return &Builder{
		Now:   time.Now,
		NewID: func() string { return ksuid.New().String() },
	}
}

// RowEvent builds the event of a single-row Insert, Update or Delete.
// An update without differing fields yields ErrNoChanges.
func (b *Builder) RowEvent(base Base, table string, op history.Operation, columns []Column, before, after Row, rowID map[string]any, meta history.Metadata) (*history.ChangeEvent, error) {
	var changes []history.FieldChange
	switch op.(type) {
	case history.Insert:
		changes = Insert(columns, after)
	case history.Update:
		changes = Update(columns, before, after)
	case history.Delete:
		changes = Delete(columns, before)
	default:
		return nil, fmt.Errorf("%w: %s is not a row operation", history.ErrInvalidArgument, op.Kind())
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%s on %s: %w", op.Kind(), table, history.ErrNoChanges)
	}
	return b.event(base, table, op, changes, rowID, meta), nil
}

// BulkEvent builds the event of a Clear or bulk statement. No per-row diff
// is kept; the affected row count and statement are.
func (b *Builder) BulkEvent(base Base, table string, op history.Operation, meta history.Metadata) (*history.ChangeEvent, error) {
	switch o := op.(type) {
	case history.Clear:
	case history.BulkInsert:
		meta.AffectedRows = o.Count
	case history.BulkUpdate:
		meta.AffectedRows = o.Count
	case history.BulkDelete:
		meta.AffectedRows = o.Count
	default:
		return nil, fmt.Errorf("%w: %s is not a bulk operation", history.ErrInvalidArgument, op.Kind())
	}
	return b.event(base, table, op, nil, nil, meta), nil
}

// RevertEvent builds the event recording a revert of originalID.
func (b *Builder) RevertEvent(base Base, table string, originalID string, cascade []string, changes []history.FieldChange, rowID map[string]any, meta history.Metadata) *history.ChangeEvent {
	if cascade == nil {
		cascade = []string{}
	}
	op := history.Revert{OriginalChangeID: originalID, CascadeRevertedIDs: cascade}
	return b.event(base, table, op, changes, rowID, meta)
}

func (b *Builder) event(base Base, table string, op history.Operation, changes []history.FieldChange, rowID map[string]any, meta history.Metadata) *history.ChangeEvent {
	if changes == nil {
		changes = []history.FieldChange{}
	}
	if meta.OriginalRemotePath == "" {
		meta.OriginalRemotePath = base.OriginalRemotePath
	}
	if meta.PullTimestamp == nil {
		meta.PullTimestamp = base.PullTimestamp
	}
	return &history.ChangeEvent{
		ID:               b.NewID(),
		Timestamp:        b.Now().UTC(),
		ContextKey:       base.ContextKey,
		DatabasePath:     base.DatabasePath,
		DatabaseFilename: base.Device.DatabaseFilename(),
		TableName:        table,
		Operation:        op,
		UserContext:      history.UserContext{Device: base.Device, SessionID: base.SessionID},
		Changes:          changes,
		RowIdentifier:    rowID,
		Metadata:         meta,
	}
}
