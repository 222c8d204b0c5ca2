// Package value defines the property values carried by versioned entities.
//
// Value is a sealed interface. Only Null, String, Int, Bool, List, and Map
// implement it. Floats are deliberately absent: entity digests are computed
// over canonical JSON and floating point breaks byte-for-byte determinism.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the property value kinds.
type Value interface {
	isValue()
}

// Null represents an absent property value.
type Null struct{}

func (Null) isValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a text value.
type String string

func (String) isValue() {}

// Int is an integer value. Always int64.
type Int int64

func (Int) isValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) isValue() {}

// List is an ordered sequence of values.
type List []Value

func (List) isValue() {}

// Map is a string-keyed set of values.
// Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Map) isValue() {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Clone returns a deep copy of m. A nil map clones to an empty map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case Map:
		return val.Clone()
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// sort.Strings orders by UTF-8 bytes, which differs for supplementary planes.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// MarshalJSON implements json.Marshaler with sorted keys.
// Null values are written as JSON null. This is not the canonical form;
// use MarshalCanonical for digests.
func (m Map) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := Marshal(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler for List.
func (l List) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("list[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Marshal encodes a Value as plain JSON. A nil Value encodes as null.
func Marshal(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case List:
		return val.MarshalJSON()
	case Map:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// UnmarshalJSON implements json.Unmarshaler for Map.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	obj, ok := v.(Map)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*m = obj
	return nil
}

// Unmarshal decodes JSON into a Value. Numbers must be integers; null decodes
// to Null.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// FromGo converts decoded JSON or YAML data into a Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not allowed: %s", val)
		}
		return Int(n), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not allowed: %v", val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(Map, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
