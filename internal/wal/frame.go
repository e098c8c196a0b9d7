// Package wal implements mongolite's write-ahead log: a single append-only
// file of framed, CRC-checked records and the BEGIN/OPERATION/INDEX_CHANGE/
// COMMIT/ABORT transaction-boundary protocol layered on top of them.
//
// Framing and CRC placement follow bundoc's internal/wal/record.go (a
// fixed-header-then-payload-then-CRC shape written with encoding/binary),
// adapted to the wire layout spec.md §4.B mandates:
//
//	frame := tx_id:u64_le | type:u8 | len:u32_le | data:len bytes | crc:u32_le
//	crc    = CRC32(tx_id || type || len || data)
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kartikbazzad/mongolite/internal/errs"
)

// FrameType enumerates the five frame kinds spec.md §4.B defines.
type FrameType byte

const (
	FrameBegin        FrameType = 1
	FrameOperation    FrameType = 2
	FrameCommit       FrameType = 3
	FrameAbort        FrameType = 4
	FrameIndexChange  FrameType = 5
)

func (t FrameType) String() string {
	switch t {
	case FrameBegin:
		return "BEGIN"
	case FrameOperation:
		return "OPERATION"
	case FrameCommit:
		return "COMMIT"
	case FrameAbort:
		return "ABORT"
	case FrameIndexChange:
		return "INDEX_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// frameHeaderSize is the length of tx_id(8) + type(1) + len(4) preceding
// the payload; the frame also carries a trailing 4-byte CRC.
const frameHeaderSize = 8 + 1 + 4
const frameTrailerSize = 4

// Frame is one record in the WAL.
type Frame struct {
	TxID uint64
	Type FrameType
	Data []byte
}

// Encode serializes f to the exact byte layout spec.md §4.B defines.
func (f Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Data)+frameTrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.TxID)
	buf[8] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(f.Data)))
	copy(buf[13:13+len(f.Data)], f.Data)

	crc := crc32.ChecksumIEEE(buf[:13+len(f.Data)])
	binary.LittleEndian.PutUint32(buf[13+len(f.Data):], crc)
	return buf
}

// Size returns the encoded size of f in bytes.
func (f Frame) Size() int {
	return frameHeaderSize + len(f.Data) + frameTrailerSize
}

// ErrShortFrame is returned by decodeFrame when fewer bytes remain than a
// full frame requires; the caller (Recover) treats this as a clean
// end-of-log condition, not corruption, when it happens exactly at a frame
// boundary reachable only by a prior frame ending there.
var ErrShortFrame = fmt.Errorf("wal: short frame")

// decodeFrame parses one frame starting at the front of buf, verifying its
// CRC. It returns the frame, the number of bytes consumed, and an error.
// A buf shorter than the fixed header, or shorter than header+len+trailer,
// yields ErrShortFrame (truncated write, possibly a live tail); a CRC
// mismatch on an otherwise complete frame yields WALCorruptionError.
func decodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, 0, ErrShortFrame
	}
	txID := binary.LittleEndian.Uint64(buf[0:8])
	typ := FrameType(buf[8])
	length := binary.LittleEndian.Uint32(buf[9:13])
	total := frameHeaderSize + int(length) + frameTrailerSize
	if len(buf) < total {
		return Frame{}, 0, ErrShortFrame
	}

	data := make([]byte, length)
	copy(data, buf[13:13+length])

	wantCRC := binary.LittleEndian.Uint32(buf[13+length : total])
	gotCRC := crc32.ChecksumIEEE(buf[:13+length])
	if wantCRC != gotCRC {
		return Frame{}, 0, &errs.WALCorruptionError{Detail: fmt.Sprintf("CRC mismatch at tx %d type %s", txID, typ)}
	}

	return Frame{TxID: txID, Type: typ, Data: data}, total, nil
}
