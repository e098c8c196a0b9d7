package document

// FieldId is the reserved field every persisted document carries.
const FieldId = "_id"

// FieldCollection is the reserved field every persisted document carries,
// naming the collection it belongs to.
const FieldCollection = "_collection"

// FieldTombstone marks a record as a logical deletion (see spec §3
// "Tombstone").
const FieldTombstone = "_tombstone"

// Document is a convenience view over an object Value that always carries
// _id and, once persisted, _collection.
type Document struct {
	Value
}

// NewDocument wraps an object Value as a Document. Panics if v is not an
// object — callers are expected to have already validated the shape.
func NewDocument(v Value) Document {
	if v.Kind != KindObject {
		panic("document: NewDocument requires an object Value")
	}
	return Document{Value: v}
}

// Empty returns a fresh empty-object Document.
func Empty() Document {
	return Document{Value: NewObject(map[string]Value{})}
}

// GetId reads the document's _id field as an Id, if present and well-formed.
func (d Document) GetId() (Id, bool) {
	f, ok := d.Field(FieldId)
	if !ok {
		return Id{}, false
	}
	switch f.Kind {
	case KindInt:
		return NewIntId(f.Int), true
	case KindString:
		return NewStringId(f.Str), true
	default:
		return Id{}, false
	}
}

// SetId stores id as the document's _id field.
func (d Document) SetId(id Id) {
	d.Obj[FieldId] = id.ToValue()
}

// SetCollection stores name as the document's _collection field.
func (d Document) SetCollection(name string) {
	d.Obj[FieldCollection] = NewString(name)
}

// Collection reads the document's _collection field.
func (d Document) Collection() (string, bool) {
	f, ok := d.Field(FieldCollection)
	if !ok || f.Kind != KindString {
		return "", false
	}
	return f.Str, true
}

// IsTombstone reports whether this record marks its id as logically
// deleted (spec §3 "Tombstone").
func (d Document) IsTombstone() bool {
	f, ok := d.Field(FieldTombstone)
	return ok && f.Kind == KindBool && f.Bool
}

// NewTombstone builds the minimal tombstone record for id in collection.
func NewTombstone(collection string, id Id) Document {
	doc := Empty()
	doc.SetId(id)
	doc.SetCollection(collection)
	doc.Obj[FieldTombstone] = NewBool(true)
	return doc
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{Value: d.Value.Clone()}
}

// Set stores a field, bypassing the reserved-field helpers above. Callers
// must not use this to set _id/_collection/_tombstone directly; use the
// named setters instead so intent stays obvious at call sites.
func (d Document) Set(field string, v Value) {
	d.Obj[field] = v
}

// Get reads an arbitrary field.
func (d Document) Get(field string) (Value, bool) {
	return d.Field(field)
}

// Delete removes a field.
func (d Document) Delete(field string) {
	delete(d.Obj, field)
}
