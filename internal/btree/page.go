package btree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
)

// Index page layout (spec.md §3 "Index file" / §6 "Index page"):
//
//	offset 0   : u8 type (0 internal, 1 leaf)
//	offset 1   : u32 little-endian payload length L
//	offset 5   : L bytes payload (serialized node)
//	offset 5+L : zero padding to 4096
const (
	pageHeaderSize = 1 + 4
	pageTypeInternal byte = 0
	pageTypeLeaf     byte = 1
)

// keyTag mirrors KeyKind on the wire, one byte per key.
func encodeKey(buf []byte, k Key) []byte {
	buf = append(buf, byte(k.Kind))
	switch k.Kind {
	case KeyNull:
	case KeyBool:
		b := byte(0)
		if k.Bool {
			b = 1
		}
		buf = append(buf, b)
	case KeyInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(k.Int))
		buf = append(buf, tmp[:]...)
	case KeyFloat:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(k.Flt))
		buf = append(buf, tmp[:]...)
	case KeyString:
		buf = appendLenPrefixed(buf, []byte(k.Str))
	}
	return buf
}

func decodeKey(buf []byte) (Key, []byte, error) {
	if len(buf) < 1 {
		return Key{}, nil, fmt.Errorf("btree: truncated key")
	}
	kind := KeyKind(buf[0])
	buf = buf[1:]
	switch kind {
	case KeyNull:
		return Key{Kind: KeyNull}, buf, nil
	case KeyBool:
		if len(buf) < 1 {
			return Key{}, nil, fmt.Errorf("btree: truncated bool key")
		}
		return Key{Kind: KeyBool, Bool: buf[0] == 1}, buf[1:], nil
	case KeyInt:
		if len(buf) < 8 {
			return Key{}, nil, fmt.Errorf("btree: truncated int key")
		}
		return Key{Kind: KeyInt, Int: int64(binary.LittleEndian.Uint64(buf[:8]))}, buf[8:], nil
	case KeyFloat:
		if len(buf) < 8 {
			return Key{}, nil, fmt.Errorf("btree: truncated float key")
		}
		return Key{Kind: KeyFloat, Flt: math.Float64frombits(binary.LittleEndian.Uint64(buf[:8]))}, buf[8:], nil
	case KeyString:
		s, rest, err := decodeLenPrefixed(buf)
		if err != nil {
			return Key{}, nil, err
		}
		return Key{Kind: KeyString, Str: string(s)}, rest, nil
	default:
		return Key{}, nil, &errs.CorruptionError{Detail: fmt.Sprintf("unknown index key tag %d", kind)}
	}
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(data)))
	buf = append(buf, tmp[:]...)
	return append(buf, data...)
}

func decodeLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("btree: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, fmt.Errorf("btree: truncated length-prefixed payload")
	}
	return buf[:n], buf[n:], nil
}

func encodeId(buf []byte, id document.Id) []byte {
	buf = append(buf, byte(id.Kind))
	switch id.Kind {
	case document.IdKindInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(id.Int))
		buf = append(buf, tmp[:]...)
	default:
		buf = appendLenPrefixed(buf, []byte(id.Str))
	}
	return buf
}

func decodeId(buf []byte) (document.Id, []byte, error) {
	if len(buf) < 1 {
		return document.Id{}, nil, fmt.Errorf("btree: truncated id")
	}
	kind := document.IdKind(buf[0])
	buf = buf[1:]
	switch kind {
	case document.IdKindInt:
		if len(buf) < 8 {
			return document.Id{}, nil, fmt.Errorf("btree: truncated int id")
		}
		return document.NewIntId(int64(binary.LittleEndian.Uint64(buf[:8]))), buf[8:], nil
	default:
		s, rest, err := decodeLenPrefixed(buf)
		if err != nil {
			return document.Id{}, nil, err
		}
		if kind == document.IdKindOpaque {
			return document.Id{Kind: document.IdKindOpaque, Str: string(s)}, rest, nil
		}
		return document.NewStringId(string(s)), rest, nil
	}
}

// encodeNode serializes n's payload (everything after the 5-byte page
// header): key count, then per entry, then (leaf only) the sibling offset.
func encodeNode(n *Node) []byte {
	var buf []byte
	if n.Kind == NodeLeaf {
		buf = append(buf, byte(len(n.Keys)>>24), byte(len(n.Keys)>>16), byte(len(n.Keys)>>8), byte(len(n.Keys)))
		for i, k := range n.Keys {
			buf = encodeKey(buf, k)
			buf = encodeId(buf, n.Values[i])
		}
		var next [8]byte
		binary.LittleEndian.PutUint64(next[:], uint64(n.Next))
		buf = append(buf, next[:]...)
		return buf
	}

	buf = append(buf, byte(len(n.Keys)>>24), byte(len(n.Keys)>>16), byte(len(n.Keys)>>8), byte(len(n.Keys)))
	for _, k := range n.Keys {
		buf = encodeKey(buf, k)
	}
	for _, c := range n.Children {
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(c.offset))
		buf = append(buf, off[:]...)
	}
	return buf
}

// Page wraps a serialized node with its page-header type tag and raw
// bytes, ready for a fixed 4 KiB write.
func marshalPage(n *Node) ([]byte, error) {
	payload := encodeNode(n)
	if pageHeaderSize+len(payload) > pageSize {
		return nil, errs.NewNodeTooLargeError(fmt.Sprintf("node serializes to %d bytes, page is %d", len(payload), pageSize))
	}

	page := make([]byte, pageSize)
	if n.Kind == NodeLeaf {
		page[0] = pageTypeLeaf
	} else {
		page[0] = pageTypeInternal
	}
	binary.LittleEndian.PutUint32(page[1:5], uint32(len(payload)))
	copy(page[5:], payload)
	return page, nil
}

// unmarshalPage parses one 4 KiB page. Internal nodes are reconstructed
// with Children left nil and their child offsets returned as the second
// result; the caller (loadNode) resolves them into real *Node pointers by
// following offsets recursively.
func unmarshalPage(page []byte) (*Node, []int64, error) {
	if len(page) != pageSize {
		return nil, nil, &errs.CorruptionError{Detail: fmt.Sprintf("index page is %d bytes, want %d", len(page), pageSize)}
	}
	typ := page[0]
	length := binary.LittleEndian.Uint32(page[1:5])
	if pageHeaderSize+int(length) > pageSize {
		return nil, nil, &errs.CorruptionError{Detail: "index page payload length exceeds page size"}
	}
	payload := page[5 : 5+length]

	if len(payload) < 4 {
		return nil, nil, &errs.CorruptionError{Detail: "index page payload too short for key count"}
	}
	count := int(uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3]))
	rest := payload[4:]

	switch typ {
	case pageTypeLeaf:
		n := &Node{Kind: NodeLeaf}
		for i := 0; i < count; i++ {
			var k Key
			var id document.Id
			var err error
			k, rest, err = decodeKey(rest)
			if err != nil {
				return nil, nil, err
			}
			id, rest, err = decodeId(rest)
			if err != nil {
				return nil, nil, err
			}
			n.Keys = append(n.Keys, k)
			n.Values = append(n.Values, id)
		}
		if len(rest) < 8 {
			return nil, nil, &errs.CorruptionError{Detail: "leaf page missing sibling offset"}
		}
		n.Next = int64(binary.LittleEndian.Uint64(rest[:8]))
		return n, nil, nil
	case pageTypeInternal:
		n := &Node{Kind: NodeInternal}
		for i := 0; i < count; i++ {
			var k Key
			var err error
			k, rest, err = decodeKey(rest)
			if err != nil {
				return nil, nil, err
			}
			n.Keys = append(n.Keys, k)
		}
		childCount := count + 1
		if len(rest) < childCount*8 {
			return nil, nil, &errs.CorruptionError{Detail: "internal page missing child offsets"}
		}
		offsets := make([]int64, childCount)
		for i := 0; i < childCount; i++ {
			offsets[i] = int64(binary.LittleEndian.Uint64(rest[i*8 : i*8+8]))
		}
		return n, offsets, nil
	default:
		return nil, nil, &errs.CorruptionError{Detail: fmt.Sprintf("unknown index page type tag %d", typ)}
	}
}
