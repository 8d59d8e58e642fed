package syncer

import (
	"encoding/json"
	"fmt"
	"strings"

	"flippio/internal/history"
)

// Mutation is one edit applied to a working copy: InsertRow, UpdateRow,
// DeleteRow, ClearTable or Statement.
type Mutation interface {
	mutation()
}

// InsertRow inserts one row.
type InsertRow struct {
	Table  string
	Values map[string]any
}

// UpdateRow sets Values on the single row matching Key.
type UpdateRow struct {
	Table  string
	Key    map[string]any
	Values map[string]any
}

// DeleteRow deletes the single row matching Key.
type DeleteRow struct {
	Table string
	Key   map[string]any
}

// ClearTable deletes every row of a table.
type ClearTable struct {
	Table string
}

// Statement is raw SQL with side effects. It is recorded as a bulk
// operation without per-row diffs.
type Statement struct {
	SQL  string
	Args []any
}

func (InsertRow) mutation()  {}
func (UpdateRow) mutation()  {}
func (DeleteRow) mutation()  {}
func (ClearTable) mutation() {}
func (Statement) mutation()  {}

// MutationRequest is the wire form of a Mutation.
type MutationRequest struct {
	Kind   string         `json:"kind" validate:"required,oneof=insert update delete clear statement"`
	Table  string         `json:"table,omitempty" validate:"required_unless=Kind statement,max=256"`
	Key    map[string]any `json:"key,omitempty" validate:"required_if=Kind update,required_if=Kind delete"`
	Values map[string]any `json:"values,omitempty" validate:"required_if=Kind update"`
	SQL    string         `json:"sql,omitempty" validate:"required_if=Kind statement"`
	Args   []any          `json:"args,omitempty"`
}

// ToMutation validates the request and converts it. Numbers decoded with
// json.Decoder.UseNumber become int64 when integral and float64 otherwise.
func (r MutationRequest) ToMutation() (Mutation, error) {
	if err := history.ValidateStruct(r); err != nil {
		return nil, err
	}
	switch strings.ToLower(r.Kind) {
	case "insert":
		return InsertRow{Table: r.Table, Values: normalizeMap(r.Values)}, nil
	case "update":
		return UpdateRow{Table: r.Table, Key: normalizeMap(r.Key), Values: normalizeMap(r.Values)}, nil
	case "delete":
		return DeleteRow{Table: r.Table, Key: normalizeMap(r.Key)}, nil
	case "clear":
		return ClearTable{Table: r.Table}, nil
	case "statement":
		return Statement{SQL: r.SQL, Args: NormalizeArgs(r.Args)}, nil
	}
	return nil, fmt.Errorf("%w: unknown mutation kind %q", history.ErrInvalidArgument, r.Kind)
}

// NormalizeArgs converts JSON-decoded statement arguments to values the
// SQLite driver binds.
func NormalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = normalizeJSON(a)
	}
	return out
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeJSON(v)
	}
	return out
}

func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case float64:
		if x == float64(int64(x)) {
			return int64(x)
		}
		return x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return v
}
