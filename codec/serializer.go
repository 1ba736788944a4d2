package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"strconv"
	"strings"
)

// serializer is the reversible mapping between a field map and bytes. It
// must round-trip string, int64, float64, bool, nil, []any and nested
// map[string]any values.
type serializer interface {
	Marshal(fields map[string]any) ([]byte, error)
	Unmarshal(b []byte) (map[string]any, error)
}

// nilValue stands in for nil field values, which gob cannot encode directly.
type nilValue struct{}

func init() {
	// gob needs the dynamic value types registered before any interface
	// field can be encoded.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(nilValue{})
}

type gobSerializer struct{}

func (gobSerializer) Marshal(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	wrapped := wrapNils(normalize(fields)).(map[string]any)
	if err := gob.NewEncoder(&buf).Encode(wrapped); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(b []byte) (map[string]any, error) {
	var fields map[string]any
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&fields); err != nil {
		return nil, err
	}
	return unwrapNils(fields).(map[string]any), nil
}

func wrapNils(v any) any {
	switch t := v.(type) {
	case nil:
		return nilValue{}
	case map[string]any:
		for k, val := range t {
			t[k] = wrapNils(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = wrapNils(val)
		}
		return t
	default:
		return v
	}
}

func unwrapNils(v any) any {
	switch t := v.(type) {
	case nilValue:
		return nil
	case map[string]any:
		for k, val := range t {
			t[k] = unwrapNils(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = unwrapNils(val)
		}
		return t
	default:
		return v
	}
}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(fields map[string]any) ([]byte, error) {
	return json.Marshal(floatLiterals(normalize(fields)))
}

func (jsonSerializer) Unmarshal(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return denumber(fields).(map[string]any), nil
}

// normalize converts integer values to int64 so a round-trip yields the same
// concrete types regardless of what width the sender used.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// floatLiterals renders float64 values as json.Number literals carrying an
// explicit fraction or exponent. A whole-valued float would otherwise encode
// as a bare integer literal and come back as int64.
func floatLiterals(v any) any {
	switch t := v.(type) {
	case float64:
		s := strconv.FormatFloat(t, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s)
	case map[string]any:
		for k, val := range t {
			t[k] = floatLiterals(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = floatLiterals(val)
		}
		return t
	default:
		return v
	}
}

// denumber resolves json.Number values into int64 where the literal has no
// fraction or exponent, float64 otherwise. This keeps integers integers
// across a JSON round-trip.
func denumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = denumber(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = denumber(val)
		}
		return t
	default:
		return v
	}
}
