package history

import (
	"encoding/json"
	"fmt"
)

// OpKind is the wire tag of an operation type.
type OpKind string

const (
	KindInsert     OpKind = "Insert"
	KindUpdate     OpKind = "Update"
	KindDelete     OpKind = "Delete"
	KindClear      OpKind = "Clear"
	KindBulkInsert OpKind = "BulkInsert"
	KindBulkUpdate OpKind = "BulkUpdate"
	KindBulkDelete OpKind = "BulkDelete"
	KindRevert     OpKind = "Revert"
)

// Operation is the closed set of operation types a ChangeEvent can carry.
// The unexported method keeps the set closed to this package; switch on the
// concrete types below.
type Operation interface {
	Kind() OpKind
	operation()
}

type (
	// Insert records a single-row insert.
	Insert struct{}
	// Update records a single-row update.
	Update struct{}
	// Delete records a single-row delete.
	Delete struct{}
	// Clear records removal of every row of a table.
	Clear struct{}
	// BulkInsert records a statement inserting Count rows.
	BulkInsert struct{ Count int64 }
	// BulkUpdate records a statement updating Count rows.
	BulkUpdate struct{ Count int64 }
	// BulkDelete records a statement deleting Count rows.
	BulkDelete struct{ Count int64 }
	// Revert records the inverse of OriginalChangeID, applied after the
	// later changes in CascadeRevertedIDs were reverted.
	Revert struct {
		OriginalChangeID   string
		CascadeRevertedIDs []string
	}
)

func (Insert) Kind() OpKind     { return KindInsert }
func (Update) Kind() OpKind     { return KindUpdate }
func (Delete) Kind() OpKind     { return KindDelete }
func (Clear) Kind() OpKind      { return KindClear }
func (BulkInsert) Kind() OpKind { return KindBulkInsert }
func (BulkUpdate) Kind() OpKind { return KindBulkUpdate }
func (BulkDelete) Kind() OpKind { return KindBulkDelete }
func (Revert) Kind() OpKind     { return KindRevert }

func (Insert) operation()     {}
func (Update) operation()     {}
func (Delete) operation()     {}
func (Clear) operation()      {}
func (BulkInsert) operation() {}
func (BulkUpdate) operation() {}
func (BulkDelete) operation() {}
func (Revert) operation()     {}

// IsRowLevel reports whether op carries a per-row field diff.
func IsRowLevel(op Operation) bool {
	switch op.(type) {
	case Insert, Update, Delete, Revert:
		return true
	default:
		return false
	}
}

// operationWire is the JSON shape of every operation type.
type operationWire struct {
	Type               OpKind   `json:"type"`
	Count              *int64   `json:"count,omitempty"`
	OriginalChangeID   string   `json:"originalChangeId,omitempty"`
	CascadeRevertedIDs []string `json:"cascadeRevertedIds,omitempty"`
}

// MarshalOperation encodes op in its tagged wire form.
func MarshalOperation(op Operation) ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil operation type", ErrInvalidArgument)
	}
	w := operationWire{Type: op.Kind()}
	switch o := op.(type) {
	case Insert, Update, Delete, Clear:
	case BulkInsert:
		w.Count = &o.Count
	case BulkUpdate:
		w.Count = &o.Count
	case BulkDelete:
		w.Count = &o.Count
	case Revert:
		w.OriginalChangeID = o.OriginalChangeID
		w.CascadeRevertedIDs = o.CascadeRevertedIDs
		if w.CascadeRevertedIDs == nil {
			w.CascadeRevertedIDs = []string{}
		}
		return json.Marshal(struct {
			Type               OpKind   `json:"type"`
			OriginalChangeID   string   `json:"originalChangeId"`
			CascadeRevertedIDs []string `json:"cascadeRevertedIds"`
		}{w.Type, w.OriginalChangeID, w.CascadeRevertedIDs})
	}
	return json.Marshal(w)
}

// UnmarshalOperation decodes the tagged wire form.
func UnmarshalOperation(data []byte) (Operation, error) {
	var w operationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode operation type: %w", err)
	}
	count := func() (int64, error) {
		if w.Count == nil {
			return 0, fmt.Errorf("%w: %s without count", ErrInvalidArgument, w.Type)
		}
		return *w.Count, nil
	}

	switch w.Type {
	case KindInsert:
		return Insert{}, nil
	case KindUpdate:
		return Update{}, nil
	case KindDelete:
		return Delete{}, nil
	case KindClear:
		return Clear{}, nil
	case KindBulkInsert:
		n, err := count()
		return BulkInsert{Count: n}, err
	case KindBulkUpdate:
		n, err := count()
		return BulkUpdate{Count: n}, err
	case KindBulkDelete:
		n, err := count()
		return BulkDelete{Count: n}, err
	case KindRevert:
		if w.OriginalChangeID == "" {
			return nil, fmt.Errorf("%w: Revert without originalChangeId", ErrInvalidArgument)
		}
		ids := w.CascadeRevertedIDs
		if ids == nil {
			ids = []string{}
		}
		return Revert{OriginalChangeID: w.OriginalChangeID, CascadeRevertedIDs: ids}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidArgument, w.Type)
	}
}

func cloneOperation(op Operation) Operation {
	if r, ok := op.(Revert); ok {
		r.CascadeRevertedIDs = append([]string{}, r.CascadeRevertedIDs...)
		return r
	}
	return op
}
