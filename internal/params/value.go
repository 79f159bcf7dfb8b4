// Package params implements the event parameter value tree carried by custom
// events, together with its canonical textual encoding.
//
// Object members keep the order in which the producer supplied them. Integers
// and floating-point numbers are distinct kinds so that a tree survives an
// encode/decode round trip unchanged.
package params

import "time"

// Kind identifies the type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a node of a parameter tree.
type Value interface {
	Kind() Kind
	// MarshalJSON returns the canonical encoding of the value.
	MarshalJSON() ([]byte, error)
}

// Null is the explicit null value. It is distinct from an absent object key.
type Null struct{}

// Bool is a boolean value.
type Bool bool

// Int is an integral number.
type Int int64

// Float is a non-integral (or explicitly floating-point) number.
type Float float64

// String is a string value. Dates travel as ISO-8601 strings.
type String string

// Array is an ordered list of values.
type Array []Value

// Member is a single key/value pair of an Object.
type Member struct {
	Key   string
	Value Value
}

// Object is an ordered set of members. Keys are unique.
type Object []Member

func (Null) Kind() Kind   { return KindNull }
func (Bool) Kind() Kind   { return KindBool }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }
func (Object) Kind() Kind { return KindObject }

func (v Null) MarshalJSON() ([]byte, error)   { return []byte(Encode(v)), nil }
func (v Bool) MarshalJSON() ([]byte, error)   { return []byte(Encode(v)), nil }
func (v Int) MarshalJSON() ([]byte, error)    { return []byte(Encode(v)), nil }
func (v Float) MarshalJSON() ([]byte, error)  { return []byte(Encode(v)), nil }
func (v String) MarshalJSON() ([]byte, error) { return []byte(Encode(v)), nil }
func (v Array) MarshalJSON() ([]byte, error)  { return []byte(Encode(v)), nil }
func (v Object) MarshalJSON() ([]byte, error) { return []byte(Encode(v)), nil }

// Get returns the value stored under key.
func (o Object) Get(key string) (Value, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Keys returns the member keys in order.
func (o Object) Keys() []string {
	keys := make([]string, len(o))
	for i, m := range o {
		keys[i] = m.Key
	}
	return keys
}

// Set replaces the value of an existing key in place, or appends a new member.
func (o Object) Set(key string, v Value) Object {
	for i := range o {
		if o[i].Key == key {
			o[i].Value = v
			return o
		}
	}
	return append(o, Member{Key: key, Value: v})
}

// Equal reports whether two trees hold the same data. Object member order is
// not significant; array order is. A nil Value equals Null.
func Equal(a, b Value) bool {
	a, b = orNull(a), orNull(b)
	switch x := a.(type) {
	case Object:
		y, ok := b.(Object)
		if !ok || len(x) != len(y) {
			return false
		}
		for _, m := range x {
			yv, ok := y.Get(m.Key)
			if !ok || !Equal(m.Value, yv) {
				return false
			}
		}
		return true
	case Array:
		y, ok := b.(Array)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Export converts a tree into plain Go values: map[string]any, []any, int64,
// float64, string, bool and nil. Object order is lost in the process.
func Export(v Value) any {
	switch x := orNull(v).(type) {
	case Object:
		out := make(map[string]any, len(x))
		for _, m := range x {
			out[m.Key] = Export(m.Value)
		}
		return out
	case Array:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Export(e)
		}
		return out
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case String:
		return string(x)
	case Bool:
		return bool(x)
	default:
		return nil
	}
}

// isoLayout matches the output of JavaScript's Date.prototype.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t as an ISO-8601 UTC timestamp with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}
