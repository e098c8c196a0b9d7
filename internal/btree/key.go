// Package btree implements mongolite's B+ tree index engine (spec.md
// §4.C): an ordered map from IndexKey to document.Id, with point lookup,
// range scan, unique-key enforcement, fixed-page file persistence, and the
// prepare/commit/rollback two-phase surface the transaction manager drives.
//
// The on-disk tree is a DAG of page offsets (spec.md §9 "Cyclic node
// graphs"); the in-memory tree below is an ordinary owned-children tree,
// grounded on bundoc's storage/btree_internal.go shape but rebuilt against
// this spec's node layout (sorted keys + parallel values/children, no
// pin-count/LSN bookkeeping — that belongs to bundoc's buffer-pooled
// paged-everything design, which this spec does not use; see DESIGN.md).
package btree

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/kartikbazzad/mongolite/document"
)

// KeyKind discriminates the variant an IndexKey currently holds. Order
// matters: it defines the tag-level total order spec.md §4.C mandates,
// Null < Bool < Int < Float < String.
type KeyKind uint8

const (
	KeyNull KeyKind = iota
	KeyBool
	KeyInt
	KeyFloat
	KeyString
)

// Key is the spec's IndexKey sum: a canonical, totally ordered scalar
// derived from a document field value.
type Key struct {
	Kind KeyKind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
}

var MinKey = Key{Kind: KeyNull}

func NewNullKey() Key           { return Key{Kind: KeyNull} }
func NewBoolKey(b bool) Key     { return Key{Kind: KeyBool, Bool: b} }
func NewIntKey(i int64) Key     { return Key{Kind: KeyInt, Int: i} }
func NewFloatKey(f float64) Key { return Key{Kind: KeyFloat, Flt: f} }
func NewStringKey(s string) Key { return Key{Kind: KeyString, Str: s} }

// KeyFrom maps a document.Value to an IndexKey per spec.md §4.C: an Int
// value becomes an Int key and a Float value a Float key (a Float with an
// integral value, such as 2.0, stays a Float key); an array or object
// collapses to Null (coarse, intentional — spec.md §9, indexes over
// array/object fields are not usable for equality).
func KeyFrom(v document.Value) Key {
	switch v.Kind {
	case document.KindNull:
		return NewNullKey()
	case document.KindBool:
		return NewBoolKey(v.Bool)
	case document.KindInt:
		return NewIntKey(v.Int)
	case document.KindFloat:
		return NewFloatKey(v.Flt)
	case document.KindString:
		return NewStringKey(v.Str)
	default:
		return NewNullKey()
	}
}

// Compare implements the total order of spec.md §4.C: tag first (Null <
// Bool < Int < Float < String), then payload. Floats compare NaN == NaN
// and NaN greater than every non-NaN float, giving a total order instead
// of IEEE's partial one — required so the tree can use Compare as its
// sole ordering primitive.
func (k Key) Compare(other Key) int {
	if k.Kind != other.Kind {
		if k.Kind < other.Kind {
			return -1
		}
		return 1
	}
	switch k.Kind {
	case KeyNull:
		return 0
	case KeyBool:
		return boolCompare(k.Bool, other.Bool)
	case KeyInt:
		return int64Compare(k.Int, other.Int)
	case KeyFloat:
		return floatCompare(k.Flt, other.Flt)
	case KeyString:
		return stringCompare(k.Str, other.Str)
	default:
		return 0
	}
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func int64Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func stringCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// floatCompare gives floats a total order: NaN sorts equal to NaN and
// greater than every non-NaN value, per spec.md §4.C.
func floatCompare(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// keyWireForm is Key's JSON envelope, needed because the Int/Float/String
// payload fields would otherwise collide on the wire (spec.md §6
// IndexChange payload carries a typed `key: IndexKey`).
type keyWireForm struct {
	Kind KeyKind `json:"kind"`
	Bool bool    `json:"bool,omitempty"`
	Int  int64   `json:"int,omitempty"`
	Flt  float64 `json:"flt,omitempty"`
	Str  string  `json:"str,omitempty"`
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyWireForm{Kind: k.Kind, Bool: k.Bool, Int: k.Int, Flt: k.Flt, Str: k.Str})
}

func (k *Key) UnmarshalJSON(data []byte) error {
	var w keyWireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	k.Kind, k.Bool, k.Int, k.Flt, k.Str = w.Kind, w.Bool, w.Int, w.Flt, w.Str
	return nil
}

func (k Key) String() string {
	switch k.Kind {
	case KeyNull:
		return "null"
	case KeyBool:
		return fmt.Sprintf("%t", k.Bool)
	case KeyInt:
		return fmt.Sprintf("%d", k.Int)
	case KeyFloat:
		return fmt.Sprintf("%g", k.Flt)
	case KeyString:
		return k.Str
	default:
		return "?"
	}
}
