package document

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// IdKind discriminates the variant an Id currently holds.
type IdKind uint8

const (
	IdKindInt IdKind = iota
	IdKindString
	IdKindOpaque
)

// Id is the DocumentId sum type: Int(i64), String(s), or OpaqueId(s).
// Equality, ordering (for map keys we use the canonical string form), and
// hashing all follow the variant first, then the payload.
type Id struct {
	Kind IdKind
	Int  int64
	Str  string
}

func NewIntId(i int64) Id { return Id{Kind: IdKindInt, Int: i} }

func NewStringId(s string) Id { return Id{Kind: IdKindString, Str: s} }

// NewAutoId builds the next auto-generated id, Int(last+1).
func NewAutoId(last uint64) Id { return Id{Kind: IdKindInt, Int: int64(last + 1)} }

// NewOpaqueId mints a 128-bit random token rendered as a canonical
// hex/dash string (RFC 4122 UUID v4 layout).
func NewOpaqueId() Id {
	return Id{Kind: IdKindOpaque, Str: uuid.NewString()}
}

// Equal compares two ids variant-first, payload-second.
func (id Id) Equal(other Id) bool {
	if id.Kind != other.Kind {
		return false
	}
	switch id.Kind {
	case IdKindInt:
		return id.Int == other.Int
	default:
		return id.Str == other.Str
	}
}

// String renders a canonical, collision-free text form suitable for use as
// a Go map key (the catalog keys on Id directly, since Id is comparable,
// but callers that need a text form — logs, composite keys — use this).
func (id Id) String() string {
	switch id.Kind {
	case IdKindInt:
		return fmt.Sprintf("int:%d", id.Int)
	case IdKindString:
		return fmt.Sprintf("str:%s", id.Str)
	case IdKindOpaque:
		return fmt.Sprintf("oid:%s", id.Str)
	default:
		return "invalid:"
	}
}

// ToValue converts an Id to its Value representation for embedding as a
// document's "_id" field.
func (id Id) ToValue() Value {
	switch id.Kind {
	case IdKindInt:
		return NewInt(id.Int)
	default:
		return NewString(id.Str)
	}
}

// idWireForm is the tagged envelope Id round-trips through JSON as, needed
// because IdKindString and IdKindOpaque both carry a bare string payload
// and would otherwise be indistinguishable on the wire.
type idWireForm struct {
	Kind IdKind `json:"kind"`
	Int  int64  `json:"int,omitempty"`
	Str  string `json:"str,omitempty"`
}

func (id Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(idWireForm{Kind: id.Kind, Int: id.Int, Str: id.Str})
}

func (id *Id) UnmarshalJSON(data []byte) error {
	var w idWireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id.Kind = w.Kind
	id.Int = w.Int
	id.Str = w.Str
	return nil
}
