package history

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Column affinities, following SQLite's type affinity rules.
const (
	AffinityInteger = "INTEGER"
	AffinityReal    = "REAL"
	AffinityText    = "TEXT"
	AffinityBlob    = "BLOB"
	AffinityNumeric = "NUMERIC"
)

// Affinity maps a declared column type to its SQLite affinity.
func Affinity(declType string) string {
	t := strings.ToUpper(strings.TrimSpace(declType))
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case t == "", strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}

// Coerce normalizes v to the representation implied by dataType, so values
// returned stringified by a driver compare equal to their typed form.
// Values that cannot be converted are returned unchanged.
func Coerce(v any, dataType string) any {
	if v == nil {
		return nil
	}
	v = widen(v)

	switch Affinity(dataType) {
	case AffinityInteger:
		if n, ok := toInt(v); ok {
			return n
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	case AffinityReal:
		if f, ok := toFloat(v); ok {
			return f
		}
	case AffinityNumeric:
		if n, ok := toInt(v); ok {
			return n
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	case AffinityText:
		switch x := v.(type) {
		case []byte:
			return string(x)
		case int64:
			return strconv.FormatInt(x, 10)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case bool:
			if x {
				return "1"
			}
			return "0"
		}
	}
	return v
}

// Equal compares two values after coercion to dataType. Composite values
// and JSON documents stored as text compare structurally.
func Equal(a, b any, dataType string) bool {
	a, b = Coerce(a, dataType), Coerce(b, dataType)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	if sa, ok := structural(a); ok {
		if sb, ok := structural(b); ok {
			return reflect.DeepEqual(sa, sb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// widen maps the many integer and float kinds a driver or decoder can
// produce onto int64 and float64.
func widen(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	}
	return v
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return int64(x), true
		}
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return toInt(f)
		}
	case []byte:
		return toInt(string(x))
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	case []byte:
		return toFloat(string(x))
	}
	return 0, false
}

// structural returns the decoded JSON form of maps, slices, and strings
// holding a JSON object or array.
func structural(v any) (any, bool) {
	var raw []byte
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if len(s) < 2 || (s[0] != '{' && s[0] != '[') {
			return nil, false
		}
		raw = []byte(s)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, false
		}
		raw = b
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Map && rv.Kind() != reflect.Slice && rv.Kind() != reflect.Struct {
			return nil, false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		raw = b
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
