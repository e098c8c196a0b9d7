// Package document implements mongolite's value model: the tagged-sum Value
// tree documents are built from, and the DocumentId sum type that names them.
//
// Neither type is an erased map[string]interface{}/interface{} tree. Both are
// explicit tagged sums with a Kind discriminant, so equality, ordering, and
// encoding never depend on ambient Go type assertions.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind discriminates the variant a Value currently holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
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

// Value is the JSON-like tree every document field is built from: one of
// null, bool, int64, float64, string, an ordered array of Value, or a
// string-keyed object of Value. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	Arr  []Value
	Obj  map[string]Value
}

// Null is the shared null Value.
var Null = Value{Kind: KindNull}

func NewNull() Value { return Value{Kind: KindNull} }

func NewBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func NewInt(i int64) Value { return Value{Kind: KindInt, Int: i} }

func NewFloat(f float64) Value { return Value{Kind: KindFloat, Flt: f} }

func NewString(s string) Value { return Value{Kind: KindString, Str: s} }

func NewArray(items []Value) Value { return Value{Kind: KindArray, Arr: items} }

func NewObject(fields map[string]Value) Value { return Value{Kind: KindObject, Obj: fields} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal reports whether two Values represent the same document tree.
// Equality is variant-first: values of different Kind are never equal, even
// when one could be coerced into the other (Int(1) != Float(1)).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Flt == other.Flt || (v.Flt != v.Flt && other.Flt != other.Flt) // NaN == NaN here
	case KindString:
		return v.Str == other.Str
	case KindArray:
		if len(v.Arr) != len(other.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(other.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Obj) != len(other.Obj) {
			return false
		}
		for k, a := range v.Obj {
			b, ok := other.Obj[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindArray:
		arr := make([]Value, len(v.Arr))
		for i, item := range v.Arr {
			arr[i] = item.Clone()
		}
		return Value{Kind: KindArray, Arr: arr}
	case KindObject:
		obj := make(map[string]Value, len(v.Obj))
		for k, item := range v.Obj {
			obj[k] = item.Clone()
		}
		return Value{Kind: KindObject, Obj: obj}
	default:
		return v
	}
}

// Field reads a field off an object Value; returns (Null, false) otherwise.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != KindObject {
		return Null, false
	}
	f, ok := v.Obj[name]
	return f, ok
}

// MarshalJSON encodes v using JSON's own type shapes. A Float is always
// written with a fraction or exponent (2.0, not 2) and an Int never is, so
// UnmarshalJSON recovers the Kind and the round trip is exact even though
// JSON numbers are untyped on the wire.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		b, err := json.Marshal(v.Flt)
		if err != nil {
			return nil, err
		}
		// An integral float marshals as "2"; add ".0" so it decodes as Float.
		if !bytes.ContainsAny(b, ".eE") {
			b = append(b, ".0"...)
		}
		return b, nil
	case KindString:
		return json.Marshal(v.Str)
	case KindArray:
		return json.Marshal(v.Arr)
	case KindObject:
		// Deterministic key order keeps repeated encodes byte-identical.
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := json.Marshal(v.Obj[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("document: unknown value kind %d", v.Kind)
	}
}

// UnmarshalJSON decodes via decodeJSONAny: an integral JSON number becomes
// Int and one with a fraction or exponent becomes Float, which matches how
// MarshalJSON writes each Kind.
func (v *Value) UnmarshalJSON(data []byte) error {
	val, err := decodeJSONAny(data)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// decodeJSONAny parses a raw JSON token into a Value using json.Number so
// integral tokens decode as Int and fractional/exponent tokens as Float,
// matching spec's `From(value)`: "number with integer value -> Int else
// Float".
func decodeJSONAny(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return fromRawJSON(raw)
}

func fromRawJSON(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null, nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return NewInt(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return NewFloat(f), nil
	case string:
		return NewString(t), nil
	case []interface{}:
		arr := make([]Value, len(t))
		for i, item := range t {
			v, err := fromRawJSON(item)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return NewArray(arr), nil
	case map[string]interface{}:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromRawJSON(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return NewObject(obj), nil
	default:
		return Value{}, fmt.Errorf("document: unsupported json token %T", raw)
	}
}
