package wal

import (
	"fmt"
	"io"
	"os"

	"github.com/kartikbazzad/mongolite/internal/errs"
)

// WAL manages the single append-only log file beside the data file (suffix
// ".wal", spec.md §6). Unlike bundoc's internal/wal, which rotates numbered
// segments (wal-%016x.log) for a multi-GB append-only commit log, mongolite
// keeps one file: §4.B's clear()/checkpoint() operations already give it a
// bounded lifetime (truncated on recovery, rewritten on checkpoint), so
// segment rotation has no problem left to solve.
type WAL struct {
	path string
	file *os.File
}

// Open opens (creating if necessary) the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{path: path, file: f}, nil
}

// Append positions to the end of the log, writes one frame, and returns the
// file offset the frame starts at.
func (w *WAL) Append(f Frame) (int64, error) {
	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("wal: seek: %w", err)
	}
	if _, err := w.file.Write(f.Encode()); err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}
	return offset, nil
}

// Flush fsyncs the underlying file — the durability barrier spec.md §4.E
// step 6 requires before a commit's data-file writes begin.
func (w *WAL) Flush() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// Clear truncates the log to zero length and fsyncs, used once recovery has
// reapplied every committed transaction (spec.md §4.D recover_from_wal).
func (w *WAL) Clear() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return w.Flush()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	return w.file.Close()
}

// Transaction is one committed transaction recovered from the log: its
// frames in the exact order they were appended (BEGIN, OPERATION* /
// INDEX_CHANGE*, COMMIT).
type Transaction struct {
	TxID   uint64
	Frames []Frame
}

// Recover scans the log from offset 0, validating CRCs and reassembling
// per-transaction frame runs. It returns only transactions whose run ends
// in a COMMIT frame; transactions with no COMMIT (still open, or ABORTed,
// or truncated mid-write) are discarded, per spec.md §4.B.
//
// A short read at end of file — too few bytes left for even a frame
// header, or a frame whose declared length runs past EOF — ends the scan
// cleanly; it is not treated as corruption, since it is exactly the shape
// a crash mid-append leaves behind. A CRC mismatch on an otherwise
// complete frame is WALCorruptionError and aborts recovery, since that can
// only mean on-disk bytes were corrupted after being durably written.
func (w *WAL) Recover() ([]Transaction, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}

	type open struct {
		frames []Frame
	}
	pending := make(map[uint64]*open)
	var committed []Transaction

	offset := 0
	for offset < len(data) {
		frame, n, err := decodeFrame(data[offset:])
		if err != nil {
			if err == ErrShortFrame {
				break
			}
			return nil, err
		}
		offset += n

		switch frame.Type {
		case FrameBegin:
			pending[frame.TxID] = &open{frames: []Frame{frame}}
		case FrameOperation, FrameIndexChange:
			tx, ok := pending[frame.TxID]
			if !ok {
				// OPERATION without a BEGIN: truncated log tail, stop.
				return committed, nil
			}
			tx.frames = append(tx.frames, frame)
		case FrameCommit:
			tx, ok := pending[frame.TxID]
			if !ok {
				return committed, nil
			}
			tx.frames = append(tx.frames, frame)
			committed = append(committed, Transaction{TxID: frame.TxID, Frames: tx.frames})
			delete(pending, frame.TxID)
		case FrameAbort:
			delete(pending, frame.TxID)
		default:
			return nil, &errs.WALCorruptionError{Detail: fmt.Sprintf("unrecognized frame type %d", frame.Type)}
		}
	}

	return committed, nil
}

// Checkpoint rewrites the log to exclude the frames belonging to txIDs
// (already-applied, committed transactions) via temp-file-then-rename,
// grounded on bundoc's segment-rotation idiom of never mutating a live log
// file in place.
func (w *WAL) Checkpoint(txIDs map[uint64]bool) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("wal: read: %w", err)
	}

	tmp, err := os.CreateTemp(dirOf(w.path), "wal-checkpoint-*")
	if err != nil {
		return fmt.Errorf("wal: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	offset := 0
	for offset < len(data) {
		frame, n, err := decodeFrame(data[offset:])
		if err != nil {
			break
		}
		offset += n
		if txIDs[frame.TxID] {
			continue
		}
		if _, err := tmp.Write(frame.Encode()); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: write checkpoint: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: fsync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: close checkpoint: %w", err)
	}

	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: close live file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("wal: reopen after checkpoint: %w", err)
	}
	w.file = f
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
