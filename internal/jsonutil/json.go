// Package jsonutil provides helpers for working with untyped JSON documents:
// invocation events arrive as arbitrary JSON and are discriminated only by
// which members are present.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Decode parses raw JSON into generic Go values. Numbers are kept as
// json.Number so large integers pass through without float rounding.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid JSON: trailing data after top-level value")
	}
	return v, nil
}

// DecodeObject parses raw JSON that must be an object.
func DecodeObject(raw []byte) (map[string]any, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %s", Kind(v))
	}
	return m, nil
}

// Convert re-encodes src and decodes it into dst.
func Convert(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// Size returns the length of v's JSON encoding in bytes.
func Size(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Object returns v as a JSON object if it is one.
func Object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

// Lookup walks nested objects along path. It reports false as soon as a
// member is missing or an intermediate value is not an object.
func Lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, p := range path {
		obj, ok := Object(cur)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// LookupObject is Lookup restricted to object values.
func LookupObject(m map[string]any, path ...string) (map[string]any, bool) {
	v, ok := Lookup(m, path...)
	if !ok {
		return nil, false
	}
	return Object(v)
}

// String returns the string at path, or "" when absent or not a string.
func String(m map[string]any, path ...string) string {
	v, _ := Lookup(m, path...)
	s, _ := v.(string)
	return s
}

// Has reports whether key is an own member of m, whatever its value.
func Has(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// Index coerces a JSON number (or numeric string) to a non-negative int.
func Index(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n >= 0
	case int64:
		return int(n), n >= 0
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil || i < 0 {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Clone deep-copies objects and arrays. Scalars are returned as is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	}
	return v
}

// Kind names the JSON type of v for error messages.
func Kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
