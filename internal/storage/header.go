// Package storage implements mongolite's data file engine (spec.md §4.D):
// the append-only document file with its fixed header, reserved metadata
// region, document catalog, tombstone-based deletion, and offline
// compaction. It owns the .wal file beside the data file but does not
// replay it on open — replay is driven by the database coordinator so
// data and index updates apply coherently (spec.md §4.D "open").
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/kartikbazzad/mongolite/internal/errs"
)

// Magic is the 8-byte signature every mongolite data file starts with
// (spec.md §6 "4D 4F 4E 47 4F 4C 54 45").
var Magic = [8]byte{'M', 'O', 'N', 'G', 'O', 'L', 'T', 'E'}

const (
	// HeaderSize is the fixed on-disk header size per spec.md §3: magic(8)
	// + version(4) + page size(4) + collection count(4) + free-list
	// head(8) = 28 bytes. There is no IndexSectionOffset field, in memory
	// or in the 28-byte on-disk header (see DESIGN.md: the spec's field list and its "28 bytes"
	// figure don't both fit if every listed field is packed, so the
	// index-section-offset field is treated as unused/reserved and not
	// persisted, consistent with it being documented "reserved, unused").
	HeaderSize = 28

	// HeaderRegionSize is the full reserved byte range for the header
	// (spec.md §3 file layout: "[0, 256) Fixed header region (only 28
	// bytes used; rest reserved)").
	HeaderRegionSize = 256

	// ReservedMetadataSize is the 256 KiB metadata region following the
	// header region.
	ReservedMetadataSize = 256 * 1024

	// DataStart is the fixed offset the document data region begins at;
	// spec.md invariant I2 requires this never move regardless of
	// metadata growth.
	DataStart = HeaderRegionSize + ReservedMetadataSize

	// DefaultPageSize is the header's default page_size field (spec.md
	// §3 "u32 page size (default 4096)").
	DefaultPageSize = 4096

	// FormatVersion is the on-disk format version this engine writes.
	FormatVersion = 1
)

// Header is mongolite's 28-byte fixed file header.
type Header struct {
	Magic           [8]byte
	Version         uint32
	PageSize        uint32
	CollectionCount uint32
	FreeListHead    uint64
}

// NewHeader returns a fresh header for a newly created data file.
func NewHeader() Header {
	return Header{Magic: Magic, Version: FormatVersion, PageSize: DefaultPageSize}
}

// Encode packs h into its 28-byte on-disk representation field by field
// (spec.md §3: "bincode packing — struct padding does not apply").
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.CollectionCount)
	binary.LittleEndian.PutUint64(buf[20:28], h.FreeListHead)
	return buf
}

// DecodeHeader parses a 28-byte header, validating the magic (spec.md
// invariant I1) and the declared length.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &errs.CorruptionError{Detail: fmt.Sprintf("header truncated: got %d bytes, want %d", len(buf), HeaderSize)}
	}
	var h Header
	copy(h.Magic[:], buf[0:8])
	if h.Magic != Magic {
		return Header{}, &errs.CorruptionError{Detail: fmt.Sprintf("bad magic %x, want %x", h.Magic, Magic)}
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.PageSize = binary.LittleEndian.Uint32(buf[12:16])
	h.CollectionCount = binary.LittleEndian.Uint32(buf[16:20])
	h.FreeListHead = binary.LittleEndian.Uint64(buf[20:28])
	return h, nil
}
