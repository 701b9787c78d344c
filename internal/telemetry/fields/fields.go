// Package fields provides dotted-path lookup over loosely structured
// telemetry records.
//
// Every extractor in the engine reads through this package. A field may be
// absent, a scalar, or a sequence; Value makes that shape explicit so callers
// never type-switch on raw JSON themselves.
package fields

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is a decoded JSON object.
type Record map[string]any

// Kind is the shape of a looked-up field.
type Kind int

const (
	Absent Kind = iota
	Scalar
	Sequence
)

// Value is the result of a path lookup.
type Value struct {
	kind   Kind
	scalar any
	seq    []any
}

// Of wraps an arbitrary decoded JSON value.
func Of(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{}
	case []any:
		return Value{kind: Sequence, seq: t}
	case []string:
		seq := make([]any, len(t))
		for i, s := range t {
			seq[i] = s
		}
		return Value{kind: Sequence, seq: seq}
	default:
		return Value{kind: Scalar, scalar: v}
	}
}

// Kind returns the shape of the value.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether the field was missing or null.
func (v Value) IsAbsent() bool { return v.kind == Absent }

// IsEmptyString reports whether the value is the scalar "".
func (v Value) IsEmptyString() bool {
	s, ok := v.scalar.(string)
	return v.kind == Scalar && ok && s == ""
}

// Raw returns the underlying decoded value (nil when absent).
func (v Value) Raw() any {
	switch v.kind {
	case Scalar:
		return v.scalar
	case Sequence:
		return v.seq
	default:
		return nil
	}
}

// Normalize collapses a sequence to its first element. An empty sequence
// becomes Absent; scalars and absent values are returned unchanged.
func (v Value) Normalize() Value {
	if v.kind != Sequence {
		return v
	}
	if len(v.seq) == 0 {
		return Value{}
	}
	return Of(v.seq[0])
}

// String renders a scalar as text. Objects, sequences and absent values
// render as "".
func (v Value) String() string {
	if v.kind != Scalar {
		return ""
	}
	switch t := v.scalar.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Int64 converts a numeric scalar (or a numeric string) to an integer.
func (v Value) Int64() (int64, bool) {
	if v.kind != Scalar {
		return 0, false
	}
	switch t := v.scalar.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Float64 converts a numeric scalar to a float.
func (v Value) Float64() (float64, bool) {
	if v.kind != Scalar {
		return 0, false
	}
	switch t := v.scalar.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Lookup resolves a dotted path against the record. A top-level key equal to
// the literal dotted path is consulted when the nested walk finds nothing.
func Lookup(rec Record, path string) Value {
	if len(rec) == 0 || path == "" {
		return Value{}
	}

	var current any = map[string]any(rec)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			current = nil
			break
		}
		current, ok = obj[segment]
		if !ok || current == nil {
			current = nil
			break
		}
	}
	if current != nil {
		return Of(current)
	}

	if flat, ok := rec[path]; ok {
		return Of(flat)
	}
	return Value{}
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}

// Chain is an ordered list of paths. Order is the tie-break policy: the
// first present, non-empty-string path wins.
type Chain []string

// Paths builds a Chain.
func Paths(paths ...string) Chain { return Chain(paths) }

// First returns the first value that is present and not "".
func (c Chain) First(rec Record) Value {
	for _, path := range c {
		v := Lookup(rec, path)
		if v.IsAbsent() || v.IsEmptyString() {
			continue
		}
		return v
	}
	return Value{}
}

// FirstString is First followed by Normalize, rendered as a string.
func (c Chain) FirstString(rec Record) string {
	return c.First(rec).Normalize().String()
}

// GetNestedValue returns the raw value at path, or def when absent.
func GetNestedValue(rec Record, path string, def any) any {
	v := Lookup(rec, path)
	if v.IsAbsent() {
		return def
	}
	return v.Raw()
}

// GetFirstValue returns the raw value of the first matching path, or def.
func GetFirstValue(rec Record, paths []string, def any) any {
	v := Chain(paths).First(rec)
	if v.IsAbsent() {
		return def
	}
	return v.Raw()
}

// GetFirstString returns the normalized first matching path as a string.
func GetFirstString(rec Record, paths []string) string {
	return Chain(paths).FirstString(rec)
}

// NormalizeValue returns the first element of a sequence (nil when empty)
// and any other value unchanged.
func NormalizeValue(v any) any {
	return Of(v).Normalize().Raw()
}
