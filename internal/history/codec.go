package history

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// blobKey marks a base64-encoded byte slice in the JSON form of values, so
// BLOB values survive a round trip as []byte rather than as strings. Map
// keys starting with keyEscape gain one more on encode, so no encoded map
// can be mistaken for a blob.
const (
	blobKey   = "$base64"
	keyEscape = "$"
)

type eventAlias ChangeEvent

// MarshalJSON encodes the event with its tagged operationType.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	op, err := MarshalOperation(e.Operation)
	if err != nil {
		return nil, err
	}
	alias := eventAlias(e)
	if alias.Changes == nil {
		alias.Changes = []FieldChange{}
	}
	if alias.RowIdentifier != nil {
		encoded := make(map[string]any, len(alias.RowIdentifier))
		for k, v := range alias.RowIdentifier {
			encoded[k] = encodeValue(v)
		}
		alias.RowIdentifier = encoded
	}
	return json.Marshal(struct {
		eventAlias
		Op json.RawMessage `json:"operationType"`
	}{alias, op})
}

// UnmarshalJSON decodes the event, including the tagged operationType.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	aux := struct {
		*eventAlias
		Op            json.RawMessage `json:"operationType"`
		RowIdentifier json.RawMessage `json:"rowIdentifier"`
	}{eventAlias: (*eventAlias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decode change event: %w", err)
	}
	if len(aux.Op) == 0 {
		return fmt.Errorf("%w: change event %s has no operationType", ErrInvalidArgument, e.ID)
	}
	op, err := UnmarshalOperation(aux.Op)
	if err != nil {
		return err
	}
	e.Operation = op

	e.RowIdentifier = nil
	if len(aux.RowIdentifier) > 0 && string(aux.RowIdentifier) != "null" {
		var raw map[string]any
		if err := decodeNumbers(aux.RowIdentifier, &raw); err != nil {
			return fmt.Errorf("decode row identifier: %w", err)
		}
		e.RowIdentifier = make(map[string]any, len(raw))
		for k, v := range raw {
			e.RowIdentifier[k] = decodeValue(v)
		}
	}
	if e.Changes == nil {
		e.Changes = []FieldChange{}
	}
	return nil
}

type fieldChangeWire struct {
	FieldName string `json:"fieldName"`
	OldValue  any    `json:"oldValue"`
	NewValue  any    `json:"newValue"`
	DataType  string `json:"dataType"`
}

// MarshalJSON encodes BLOB values and keeps floats distinguishable from
// integers.
func (f FieldChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldChangeWire{
		FieldName: f.FieldName,
		OldValue:  encodeValue(f.OldValue),
		NewValue:  encodeValue(f.NewValue),
		DataType:  f.DataType,
	})
}

// UnmarshalJSON restores int64, float64 and []byte values exactly.
func (f *FieldChange) UnmarshalJSON(data []byte) error {
	var w fieldChangeWire
	if err := decodeNumbers(data, &w); err != nil {
		return fmt.Errorf("decode field change: %w", err)
	}
	f.FieldName = w.FieldName
	f.DataType = w.DataType
	f.OldValue = decodeValue(w.OldValue)
	f.NewValue = decodeValue(w.NewValue)
	return nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func encodeValue(v any) any {
	switch x := widen(v).(type) {
	case []byte:
		return map[string]string{blobKey: base64.StdEncoding.EncodeToString(x)}
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEn") {
			s += ".0"
		}
		return json.Number(s)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if strings.HasPrefix(k, keyEscape) {
				k = keyEscape + k
			}
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = encodeValue(e)
		}
		return out
	default:
		return x
	}
}

func decodeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if strings.ContainsAny(s, ".eE") {
			if f, err := x.Float64(); err == nil {
				return f
			}
		}
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return s
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x[blobKey].(string); ok {
				if b, err := base64.StdEncoding.DecodeString(s); err == nil {
					return b
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			if strings.HasPrefix(k, keyEscape+keyEscape) {
				k = k[len(keyEscape):]
			}
			out[k] = decodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = decodeValue(e)
		}
		return out
	default:
		return x
	}
}
