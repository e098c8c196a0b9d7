package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
	"github.com/kartikbazzad/mongolite/internal/errs"
)

// OpKind discriminates a buffered write operation (spec.md §4.E "Op
// variants").
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// Op is one buffered write, the canonical payload the WAL's OPERATION
// frames carry (spec.md §6 "Insert/Update/Delete").
type Op struct {
	Kind       OpKind
	Collection string
	DocId      document.Id
	Doc        document.Document `json:",omitempty"`
	OldDoc     document.Document  `json:",omitempty"`
	NewDoc     document.Document  `json:",omitempty"`
}

// IndexChangeKind discriminates an index mutation.
type IndexChangeKind int

const (
	IndexChangeInsert IndexChangeKind = iota
	IndexChangeDelete
)

// IndexChange is one buffered index mutation, the canonical payload the
// WAL's INDEX_CHANGE frames carry (spec.md §6 "IndexChange").
type IndexChange struct {
	Collection string
	IndexName  string
	Operation  IndexChangeKind
	Key        btree.Key
	DocId      document.Id
}

// MetadataChange records a collection's last_id advancing (spec.md §4.E
// "MetadataChange").
type MetadataChange struct {
	Collection string
	LastId     uint64
}

// IndexDescriptor is a persisted index's entry in a collection's metadata
// (spec.md §3 "list of persisted index descriptors").
type IndexDescriptor struct {
	Name       string
	Field      string
	Unique     bool
	NumKeys    int
	Height     int
	RootOffset int64
}

// CollectionMeta is one collection's metadata record (spec.md §3
// "Collection metadata").
type CollectionMeta struct {
	Name        string
	LastId      uint64
	DataOffset  int64
	IndexOffset int64
	Catalog     map[document.Id]int64
	Indexes     []IndexDescriptor
}

func newCollectionMeta(name string) *CollectionMeta {
	return &CollectionMeta{Name: name, Catalog: make(map[document.Id]int64)}
}

// collectionMetaWire is CollectionMeta's JSON envelope: document.Id isn't
// a valid JSON object key, so the catalog round-trips as an entry slice
// instead of a map.
type collectionMetaWire struct {
	Name        string              `json:"name"`
	LastId      uint64              `json:"lastId"`
	DataOffset  int64               `json:"dataOffset"`
	IndexOffset int64               `json:"indexOffset"`
	Catalog     []catalogEntryWire  `json:"catalog"`
	Indexes     []IndexDescriptor   `json:"indexes"`
}

type catalogEntryWire struct {
	Id     document.Id `json:"id"`
	Offset int64       `json:"offset"`
}

func (m CollectionMeta) toWire() collectionMetaWire {
	w := collectionMetaWire{
		Name:        m.Name,
		LastId:      m.LastId,
		DataOffset:  m.DataOffset,
		IndexOffset: m.IndexOffset,
		Indexes:     m.Indexes,
	}
	for id, off := range m.Catalog {
		w.Catalog = append(w.Catalog, catalogEntryWire{Id: id, Offset: off})
	}
	return w
}

func (w collectionMetaWire) fromWire() *CollectionMeta {
	m := &CollectionMeta{
		Name:        w.Name,
		LastId:      w.LastId,
		DataOffset:  w.DataOffset,
		IndexOffset: w.IndexOffset,
		Indexes:     w.Indexes,
		Catalog:     make(map[document.Id]int64, len(w.Catalog)),
	}
	for _, e := range w.Catalog {
		m.Catalog[e.Id] = e.Offset
	}
	return m
}

// encodeMetadataRegion serializes every collection's metadata into the
// reserved metadata region, each record framed as u32 length + JSON
// payload (spec.md §3 "each framed as u32 length + payload"). It fails
// with Corruption if the result would not fit in ReservedMetadataSize
// (spec.md §4.D step 2).
func encodeMetadataRegion(collections []*CollectionMeta) ([]byte, error) {
	buf := make([]byte, 0, ReservedMetadataSize/4)
	for _, c := range collections {
		payload, err := json.Marshal(c.toWire())
		if err != nil {
			return nil, &errs.SerializationError{Detail: err.Error()}
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, payload...)
	}
	if len(buf) > ReservedMetadataSize {
		return nil, &errs.CorruptionError{Detail: fmt.Sprintf("serialized metadata is %d bytes, exceeds reserved region of %d", len(buf), ReservedMetadataSize)}
	}
	region := make([]byte, ReservedMetadataSize)
	copy(region, buf)
	return region, nil
}

// decodeMetadataRegion parses the reserved metadata region back into
// collection metadata records, stopping at the first zero-length record
// (the unused tail of the region).
func decodeMetadataRegion(region []byte) ([]*CollectionMeta, error) {
	var out []*CollectionMeta
	offset := 0
	for offset+4 <= len(region) {
		length := binary.LittleEndian.Uint32(region[offset : offset+4])
		if length == 0 {
			break
		}
		offset += 4
		if offset+int(length) > len(region) {
			return nil, &errs.CorruptionError{Detail: "metadata record length runs past reserved region"}
		}
		var w collectionMetaWire
		if err := json.Unmarshal(region[offset:offset+int(length)], &w); err != nil {
			return nil, &errs.DeserializationError{Detail: err.Error()}
		}
		out = append(out, w.fromWire())
		offset += int(length)
	}
	return out, nil
}
