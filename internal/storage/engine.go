package storage

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/wal"
)

// Engine owns the data file and its companion WAL, and is the only
// component inside a process allowed to write either (spec.md §5 "Shared
// resources"). Callers serialize access through mu, mirroring bundoc's
// single engine-wide lock in front of its Pager/BufferPool pair — this
// engine replaces that pair outright, since the data file is an
// append-only record stream rather than a page-cache target (see
// DESIGN.md).
type Engine struct {
	mu   sync.Mutex
	path string
	file *os.File
	wal  *wal.WAL

	header      Header
	collections map[string]*CollectionMeta
}

// CommitTxn is the full payload of one transaction's durable effects,
// handed to CommitTransaction by the coordinator (spec.md §4.E/§4.D).
type CommitTxn struct {
	TxID         uint64
	Ops          []Op
	IndexChanges []IndexChange
	MetaChanges  []MetadataChange
}

// Open creates the data file with header + reserved metadata region if
// missing, or validates the magic of an existing one, loads collection
// metadata into memory, and opens (or creates) the companion ".wal" file.
// It does not replay the WAL; see RecoverFromWAL.
func Open(path string) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, &errs.IoError{Op: "open data file", Err: err}
	}

	e := &Engine{path: path, file: f, collections: make(map[string]*CollectionMeta)}

	info, err := f.Stat()
	if err != nil {
		return nil, &errs.IoError{Op: "stat data file", Err: err}
	}

	if info.Size() == 0 {
		e.header = NewHeader()
		if err := e.writeHeader(); err != nil {
			return nil, err
		}
		if err := e.convergeMetadataLocked(); err != nil {
			return nil, err
		}
		if err := f.Truncate(DataStart); err != nil {
			return nil, &errs.IoError{Op: "truncate new data file", Err: err}
		}
	} else {
		headerBuf := make([]byte, HeaderSize)
		if _, err := f.ReadAt(headerBuf, 0); err != nil {
			return nil, &errs.IoError{Op: "read header", Err: err}
		}
		h, err := DecodeHeader(headerBuf)
		if err != nil {
			return nil, err
		}
		e.header = h

		region := make([]byte, ReservedMetadataSize)
		if _, err := f.ReadAt(region, HeaderRegionSize); err != nil {
			return nil, &errs.IoError{Op: "read metadata region", Err: err}
		}
		metas, err := decodeMetadataRegion(region)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			e.collections[m.Name] = m
		}
	}

	w, err := wal.Open(path + ".wal")
	if err != nil {
		return nil, err
	}
	e.wal = w

	return e, nil
}

func (e *Engine) writeHeader() error {
	if _, err := e.file.WriteAt(e.header.Encode(), 0); err != nil {
		return &errs.IoError{Op: "write header", Err: err}
	}
	return nil
}

// CreateCollection inserts a metadata entry with last_id=0, an empty
// catalog, and data_offset set by metadata convergence. Fails with
// CollectionExists on a duplicate name.
func (e *Engine) CreateCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.collections[name]; ok {
		return errs.ErrCollectionExists
	}
	e.collections[name] = newCollectionMeta(name)
	e.header.CollectionCount = uint32(len(e.collections))
	return e.convergeMetadataLocked()
}

// DropCollection removes name's metadata entry. Its documents are not
// reclaimed from the data file until Compact runs.
func (e *Engine) DropCollection(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.collections[name]; !ok {
		return errs.ErrCollectionNotFound
	}
	delete(e.collections, name)
	e.header.CollectionCount = uint32(len(e.collections))
	return e.convergeMetadataLocked()
}

// Collection returns the engine's live metadata record for name (not a
// copy), or CollectionNotFound. The engine lock is held only for the
// lookup; reads and writes through the returned pointer are not
// synchronized with the engine.
func (e *Engine) Collection(name string) (*CollectionMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.collections[name]
	if !ok {
		return nil, errs.ErrCollectionNotFound
	}
	return m, nil
}

// Collections returns every collection name currently known.
func (e *Engine) Collections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.collections))
	for n := range e.collections {
		names = append(names, n)
	}
	return names
}

// convergeMetadataLocked rewrites the reserved metadata region. Per
// spec.md §4.D "Metadata convergence": the data region always starts at
// DataStart regardless of how much metadata has accumulated, so every
// collection's DataOffset/IndexOffset are pinned there on every rewrite;
// already-written document records are never touched. Caller holds mu.
func (e *Engine) convergeMetadataLocked() error {
	metas := make([]*CollectionMeta, 0, len(e.collections))
	for _, m := range e.collections {
		m.DataOffset = DataStart
		m.IndexOffset = DataStart
		metas = append(metas, m)
	}

	region, err := encodeMetadataRegion(metas)
	if err != nil {
		return err
	}
	if _, err := e.file.WriteAt(region, HeaderRegionSize); err != nil {
		return &errs.IoError{Op: "write metadata region", Err: err}
	}
	return e.writeHeader()
}

// WriteData appends a u32-le length prefix followed by data to the file
// end and returns the offset of the length prefix. It does not fsync
// (spec.md §4.D "write_data").
func (e *Engine) WriteData(data []byte) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeDataLocked(data)
}

func (e *Engine) writeDataLocked(data []byte) (int64, error) {
	info, err := e.file.Stat()
	if err != nil {
		return 0, &errs.IoError{Op: "stat data file", Err: err}
	}
	offset := info.Size()
	if offset < DataStart {
		offset = DataStart
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := e.file.WriteAt(lenBuf[:], offset); err != nil {
		return 0, &errs.IoError{Op: "write data length prefix", Err: err}
	}
	if len(data) > 0 {
		if _, err := e.file.WriteAt(data, offset+4); err != nil {
			return 0, &errs.IoError{Op: "write data payload", Err: err}
		}
	}
	return offset, nil
}

// ReadData reads one length-prefixed record at offset.
func (e *Engine) ReadData(offset int64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readDataLocked(offset)
}

func (e *Engine) readDataLocked(offset int64) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := e.file.ReadAt(lenBuf, offset); err != nil {
		return nil, &errs.IoError{Op: "read data length prefix", Err: err}
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	if length == 0 {
		return []byte{}, nil
	}
	data := make([]byte, length)
	if _, err := e.file.ReadAt(data, offset+4); err != nil {
		return nil, &errs.IoError{Op: "read data payload", Err: err}
	}
	return data, nil
}

// DataSize returns the current size of the live data region (for
// scanning).
func (e *Engine) DataSize() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, err := e.file.Stat()
	if err != nil {
		return 0, &errs.IoError{Op: "stat data file", Err: err}
	}
	return info.Size(), nil
}

// Flush runs metadata convergence and fsyncs the data file.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.convergeMetadataLocked(); err != nil {
		return err
	}
	if err := e.file.Sync(); err != nil {
		return &errs.IoError{Op: "fsync data file", Err: err}
	}
	return nil
}

// WAL exposes the engine's write-ahead log for direct frame access (the
// storage tests append frames through it). The coordinator does not call
// it; the WAL is cleared only by RecoverFromWAL.
func (e *Engine) WAL() *wal.WAL { return e.wal }

// Close flushes and closes the data file and WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.convergeMetadataLocked(); err != nil {
		return err
	}
	if err := e.file.Sync(); err != nil {
		return &errs.IoError{Op: "fsync data file", Err: err}
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.file.Close()
}

// CommitTransaction runs the nine-step commit sequence of spec.md §4.E:
// WAL BEGIN/OPERATION*/INDEX_CHANGE*/COMMIT, fsync WAL (the durability
// barrier), apply operations to the data file, apply metadata changes,
// fsync the data file. It does not finalize any prepared index files —
// that is Phase 3 of the coordinator's two-phase commit (spec.md §4.F).
func (e *Engine) CommitTransaction(tx CommitTxn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.wal.Append(wal.Frame{TxID: tx.TxID, Type: wal.FrameBegin}); err != nil {
		return &errs.IoError{Op: "append BEGIN frame", Err: err}
	}

	for _, op := range tx.Ops {
		payload, err := json.Marshal(op)
		if err != nil {
			return &errs.SerializationError{Detail: err.Error()}
		}
		if _, err := e.wal.Append(wal.Frame{TxID: tx.TxID, Type: wal.FrameOperation, Data: payload}); err != nil {
			return &errs.IoError{Op: "append OPERATION frame", Err: err}
		}
	}

	for _, ic := range tx.IndexChanges {
		payload, err := json.Marshal(ic)
		if err != nil {
			return &errs.SerializationError{Detail: err.Error()}
		}
		if _, err := e.wal.Append(wal.Frame{TxID: tx.TxID, Type: wal.FrameIndexChange, Data: payload}); err != nil {
			return &errs.IoError{Op: "append INDEX_CHANGE frame", Err: err}
		}
	}

	if _, err := e.wal.Append(wal.Frame{TxID: tx.TxID, Type: wal.FrameCommit}); err != nil {
		return &errs.IoError{Op: "append COMMIT frame", Err: err}
	}

	// Step 6: fsync WAL — the durability barrier.
	if err := e.wal.Flush(); err != nil {
		return err
	}

	// Step 7: apply operations to the data file.
	if err := e.applyOpsLocked(tx.Ops); err != nil {
		return err
	}

	// Step 8: apply metadata changes.
	for _, mc := range tx.MetaChanges {
		meta, ok := e.collections[mc.Collection]
		if !ok {
			return errs.ErrCollectionNotFound
		}
		if mc.LastId > meta.LastId {
			meta.LastId = mc.LastId
		}
	}
	if err := e.convergeMetadataLocked(); err != nil {
		return err
	}

	// Step 9: fsync the data file.
	if err := e.file.Sync(); err != nil {
		return &errs.IoError{Op: "fsync data file", Err: err}
	}
	return nil
}

// applyOpsLocked appends the document/tombstone record for each op and
// advances its collection's catalog to the new offset (spec.md invariant
// I3/I4: the catalog always points at the most recent record; a later
// tombstone makes the id logically absent).
func (e *Engine) applyOpsLocked(ops []Op) error {
	for _, op := range ops {
		meta, ok := e.collections[op.Collection]
		if !ok {
			return errs.ErrCollectionNotFound
		}

		var payload document.Document
		switch op.Kind {
		case OpInsert:
			payload = op.Doc
		case OpUpdate:
			payload = op.NewDoc
		case OpDelete:
			payload = document.NewTombstone(op.Collection, op.DocId)
		}

		encoded, err := json.Marshal(payload)
		if err != nil {
			return &errs.SerializationError{Detail: err.Error()}
		}
		offset, err := e.writeDataLocked(encoded)
		if err != nil {
			return err
		}
		meta.Catalog[op.DocId] = offset
	}
	return nil
}

// RecoverFromWAL reapplies every committed transaction found in the WAL
// to the data file exactly as the original commit would, collects every
// IndexChange frame across all of them, and clears the WAL. It must be
// called exactly once per process open, before any other write (spec.md
// §4.D "recover_from_wal").
func (e *Engine) RecoverFromWAL() ([]CommitTxn, []IndexChange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	transactions, err := e.wal.Recover()
	if err != nil {
		return nil, nil, err
	}

	var committed []CommitTxn
	var indexChanges []IndexChange
	maxIntId := make(map[string]uint64) // collection -> highest int _id observed

	for _, tx := range transactions {
		var ctx CommitTxn
		ctx.TxID = tx.TxID

		for _, frame := range tx.Frames {
			switch frame.Type {
			case wal.FrameOperation:
				var op Op
				if err := json.Unmarshal(frame.Data, &op); err != nil {
					return nil, nil, &errs.DeserializationError{Detail: err.Error()}
				}
				ctx.Ops = append(ctx.Ops, op)
				if op.DocId.Kind == document.IdKindInt && op.DocId.Int > 0 {
					if v := uint64(op.DocId.Int); v > maxIntId[op.Collection] {
						maxIntId[op.Collection] = v
					}
				}
			case wal.FrameIndexChange:
				var ic IndexChange
				if err := json.Unmarshal(frame.Data, &ic); err != nil {
					return nil, nil, &errs.DeserializationError{Detail: err.Error()}
				}
				ctx.IndexChanges = append(ctx.IndexChanges, ic)
				indexChanges = append(indexChanges, ic)
			}
		}

		if err := e.applyOpsLocked(ctx.Ops); err != nil {
			return nil, nil, err
		}
		committed = append(committed, ctx)
	}

	// MetadataChange is not itself a WAL frame (spec.md §4.E), so a crash
	// between the WAL fsync and metadata convergence leaves last_id stale.
	// Reconstruct it here from the highest int _id any replayed OPERATION
	// actually wrote, so the next auto-id assignment stays monotonic and
	// never collides with a just-recovered document.
	for collName, maxId := range maxIntId {
		if meta, ok := e.collections[collName]; ok && maxId > meta.LastId {
			meta.LastId = maxId
		}
	}

	if err := e.convergeMetadataLocked(); err != nil {
		return nil, nil, err
	}
	if err := e.file.Sync(); err != nil {
		return nil, nil, &errs.IoError{Op: "fsync data file after recovery", Err: err}
	}
	if err := e.wal.Clear(); err != nil {
		return nil, nil, err
	}

	return committed, indexChanges, nil
}
