// Package mongolite is an embeddable, single-process document database:
// the Database coordinator (spec.md §4.F) and Collection view (spec.md
// §4.H) layered over internal/storage, internal/btree, internal/txn, and
// internal/query. Usage mirrors go.etcd.io/bbolt: Open(path), get a
// handle, use it, Close().
package mongolite

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/storage"
	"github.com/kartikbazzad/mongolite/internal/txn"
)

// Database is the single long-lived handle a caller opens and passes
// explicitly; mongolite keeps no process-wide singleton (spec.md §9
// "Global mutable state").
type Database struct {
	mu     sync.RWMutex
	path   string
	engine *storage.Engine
	txMgr  *txn.Manager
	logger zerolog.Logger

	collections map[string]*Collection
	closed      bool
}

// Open opens (creating if necessary) the database at path: the storage
// engine, its WAL, and — exactly once per process — WAL recovery, whose
// recovered index changes are grouped by collection and replayed onto
// each collection's in-memory index (spec.md §4.F "On open").
func Open(path string) (*Database, error) {
	engine, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:        path,
		engine:      engine,
		txMgr:       txn.NewManager(),
		logger:      zerolog.Nop(),
		collections: make(map[string]*Collection),
	}

	committed, indexChanges, err := engine.RecoverFromWAL()
	if err != nil {
		engine.Close()
		return nil, err
	}
	_ = committed // already applied to the data file by RecoverFromWAL

	for _, name := range engine.Collections() {
		c, err := db.materializeCollection(name)
		if err != nil {
			engine.Close()
			return nil, err
		}
		db.collections[name] = c
	}

	byCollection := make(map[string][]storage.IndexChange)
	for _, ic := range indexChanges {
		byCollection[ic.Collection] = append(byCollection[ic.Collection], ic)
	}
	for collName, changes := range byCollection {
		c, ok := db.collections[collName]
		if !ok {
			continue
		}
		for _, ch := range changes {
			tree, ok := c.indexes[ch.IndexName]
			if !ok {
				continue
			}
			switch ch.Operation {
			case storage.IndexChangeInsert:
				_ = tree.Insert(ch.Key, ch.DocId) // replay: a duplicate-key error under a unique index is ignored
			case storage.IndexChangeDelete:
				tree.Delete(ch.Key, ch.DocId)
			}
		}
	}

	return db, nil
}

// materializeCollection builds a Collection view for an already-known
// storage-level collection, loading each of its persisted indexes from
// disk.
func (db *Database) materializeCollection(name string) (*Collection, error) {
	meta, err := db.engine.Collection(name)
	if err != nil {
		return nil, err
	}

	c := &Collection{name: name, db: db, indexes: make(map[string]*btree.Tree)}
	for _, desc := range meta.Indexes {
		path := db.indexPath(name, desc.Name)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				c.indexes[desc.Name] = btree.New(desc.Name, desc.Field, desc.Unique)
				continue
			}
			return nil, &errs.IoError{Op: "open index file", Err: err}
		}
		tree, err := btree.LoadFromFile(f, btree.Metadata{
			Name: desc.Name, Field: desc.Field, Unique: desc.Unique,
			NumKeys: desc.NumKeys, Height: desc.Height, RootOffset: desc.RootOffset,
		})
		f.Close()
		if err != nil {
			return nil, err
		}
		c.indexes[desc.Name] = tree
	}
	return c, nil
}

// indexPath returns the path an index's persisted file lives at:
// "<path_without_extension>.<index_name>.idx" (spec.md §6).
func (db *Database) indexPath(collection, indexName string) string {
	return db.basePathWithoutExt() + "." + indexName + ".idx"
}

func (db *Database) basePathWithoutExt() string {
	ext := filepath.Ext(db.path)
	return strings.TrimSuffix(db.path, ext)
}

// CreateCollection creates collection name and returns its view.
func (db *Database) CreateCollection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errs.ErrDatabaseClosed
	}
	if err := db.engine.CreateCollection(name); err != nil {
		return nil, err
	}
	c := &Collection{name: name, db: db, indexes: make(map[string]*btree.Tree)}
	db.collections[name] = c
	return c, nil
}

// Collection returns the view for an existing collection, creating it
// first if it does not yet exist — mirroring the teacher's lenient
// get-or-create collection-handle convention.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	c, ok := db.collections[name]
	db.mu.RUnlock()
	if ok {
		return c, nil
	}
	return db.CreateCollection(name)
}

// DropCollection removes collection name; its documents are reclaimed
// only on the next Compact.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrDatabaseClosed
	}
	if err := db.engine.DropCollection(name); err != nil {
		return err
	}
	delete(db.collections, name)
	return nil
}

// Begin starts a new transaction.
func (db *Database) Begin() *txn.Transaction {
	return db.txMgr.Begin()
}

// Rollback clears the transaction's buffers, marks it Aborted, and
// removes it from the active registry. Since nothing has touched the WAL
// or data file yet for an uncommitted transaction, rollback is a pure
// in-memory operation. No ABORT frame is written to the WAL, neither here
// nor on any failure path of Commit.
func (db *Database) Rollback(tx *txn.Transaction) error {
	tx.Rollback()
	db.txMgr.Remove(tx.ID)
	return nil
}

// Commit drives spec.md §4.F's two-phase commit: Phase 0 extracts the
// transaction from the active registry (delegating straight to the
// ordinary commit if it touches no indexes); Phase 1 prepares every
// touched index's temp file in memory and on disk; Phase 2 delegates to
// the storage engine's nine-step commit; Phase 3 finalizes every prepared
// index by atomic rename, logging (not failing) on a rename error since
// the data is already durable and WAL replay will repair the index on
// next open (invariant I7).
func (db *Database) Commit(tx *txn.Transaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errs.ErrDatabaseClosed
	}

	// Phase 0.
	db.txMgr.Remove(tx.ID)
	if !tx.HasIndexChanges() {
		if err := db.engine.CommitTransaction(tx.ToCommitTxn()); err != nil {
			db.txMgr.Reinsert(tx)
			return err
		}
		return tx.MarkCommitted()
	}

	// Phase 1: prepare indexes.
	type prepared struct {
		collection string
		indexName  string
		tmpPath    string
		finalPath  string
	}
	type touchedIndex struct {
		collection string
		indexName  string
		tree       *btree.Tree
		snapshot   *btree.Tree
	}
	var preparedFiles []prepared
	rollbackPrepared := func() {
		for _, p := range preparedFiles {
			_ = btree.RollbackPreparedChanges(p.tmpPath)
		}
	}

	// Snapshot every touched index before mutating anything, so a failure
	// partway through — a later index's uniqueness violation, or Phase 2's
	// storage commit itself failing — can restore every index already
	// mutated this transaction. Mutating in place first and only rolling
	// back prepared temp files (as an earlier version of this function did)
	// left already-applied in-memory tree mutations stranded on a partial
	// failure, corrupting index state for a transaction the caller believes
	// it rolled back.
	var touched []touchedIndex
	for indexName := range tx.IndexChanges {
		collName, tree, ok := db.findIndexForName(indexName)
		if !ok {
			continue
		}
		touched = append(touched, touchedIndex{collection: collName, indexName: indexName, tree: tree, snapshot: tree.Clone()})
	}
	restoreSnapshots := func() {
		for _, ti := range touched {
			c, ok := db.collections[ti.collection]
			if !ok {
				continue
			}
			c.mu.Lock()
			c.indexes[ti.indexName] = ti.snapshot
			c.mu.Unlock()
		}
	}

	for _, ti := range touched {
		for _, ch := range tx.IndexChanges[ti.indexName] {
			var err error
			switch ch.Operation {
			case storage.IndexChangeInsert:
				err = ti.tree.Insert(ch.Key, ch.DocId)
			case storage.IndexChangeDelete:
				ti.tree.Delete(ch.Key, ch.DocId)
			}
			if err != nil {
				restoreSnapshots()
				rollbackPrepared()
				db.txMgr.Reinsert(tx)
				return err
			}
		}

		finalPath := db.indexPath(ti.collection, ti.indexName)
		tmpPath, err := ti.tree.PrepareChanges(finalPath)
		if err != nil {
			restoreSnapshots()
			rollbackPrepared()
			db.txMgr.Reinsert(tx)
			return err
		}
		preparedFiles = append(preparedFiles, prepared{collection: ti.collection, indexName: ti.indexName, tmpPath: tmpPath, finalPath: finalPath})
	}

	// Phase 2: commit data + WAL.
	if err := db.engine.CommitTransaction(tx.ToCommitTxn()); err != nil {
		rollbackPrepared()
		restoreSnapshots()
		return err
	}

	// Phase 3: finalize indexes. A rename failure here does not fail the
	// already-durable transaction (spec.md §4.F Phase 3 / invariant I7).
	for _, p := range preparedFiles {
		if err := btree.CommitPreparedChanges(p.tmpPath, p.finalPath); err != nil {
			db.logger.Warn().Str("index", p.indexName).Err(err).Msg("mongolite: index finalize rename failed; WAL replay will repair on next open")
			continue
		}
		db.recordIndexDescriptor(p.collection, p.indexName)
	}

	return tx.MarkCommitted()
}

func (db *Database) findIndexForName(indexName string) (string, *btree.Tree, bool) {
	for name, c := range db.collections {
		if tree, ok := c.indexes[indexName]; ok {
			return name, tree, true
		}
	}
	return "", nil, false
}

// recordIndexDescriptor persists the index's current metadata (key
// count, height, root offset) into the collection's metadata record so a
// future open can find it without a fresh replay. Folded into Phase 3
// rather than fired on every split — an in-file metadata rewrite on
// every split would be far more expensive than the rename itself (spec.md
// §4.F expansion, Open Question).
func (db *Database) recordIndexDescriptor(collection, indexName string) {
	c, ok := db.collections[collection]
	if !ok {
		return
	}
	tree, ok := c.indexes[indexName]
	if !ok {
		return
	}
	meta, err := db.engine.Collection(collection)
	if err != nil {
		return
	}

	desc := storage.IndexDescriptor{
		Name: tree.Meta.Name, Field: tree.Meta.Field, Unique: tree.Meta.Unique,
		NumKeys: tree.Meta.NumKeys, Height: tree.Meta.Height, RootOffset: tree.Meta.RootOffset,
	}
	replaced := false
	for i, d := range meta.Indexes {
		if d.Name == desc.Name {
			meta.Indexes[i] = desc
			replaced = true
			break
		}
	}
	if !replaced {
		meta.Indexes = append(meta.Indexes, desc)
	}
	if err := db.engine.Flush(); err != nil {
		db.logger.Warn().Err(err).Msg("mongolite: failed to persist index descriptor")
	}
}

// Compact runs offline compaction (spec.md §4.D) and, once done,
// re-persists every collection's indexes via prepare+commit so the
// on-disk index files stay consistent with the rewritten data file.
func (db *Database) Compact() (storage.CompactionStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return storage.CompactionStats{}, errs.ErrDatabaseClosed
	}

	stats, err := db.engine.Compact()
	if err != nil {
		return storage.CompactionStats{}, err
	}

	for name, c := range db.collections {
		for indexName, tree := range c.indexes {
			finalPath := db.indexPath(name, indexName)
			tmpPath, err := tree.PrepareChanges(finalPath)
			if err != nil {
				db.logger.Warn().Str("index", indexName).Err(err).Msg("mongolite: index re-persist after compact failed")
				continue
			}
			if err := btree.CommitPreparedChanges(tmpPath, finalPath); err != nil {
				db.logger.Warn().Str("index", indexName).Err(err).Msg("mongolite: index rename after compact failed")
				continue
			}
			db.recordIndexDescriptor(name, indexName)
		}
	}
	return stats, nil
}

// Close persists every collection's indexes, then closes the storage
// engine.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	for name, c := range db.collections {
		for indexName, tree := range c.indexes {
			finalPath := db.indexPath(name, indexName)
			tmpPath, err := tree.PrepareChanges(finalPath)
			if err != nil {
				db.logger.Warn().Str("index", indexName).Err(err).Msg("mongolite: index persist on close failed")
				continue
			}
			if err := btree.CommitPreparedChanges(tmpPath, finalPath); err != nil {
				db.logger.Warn().Str("index", indexName).Err(err).Msg("mongolite: index rename on close failed")
			}
		}
	}

	return db.engine.Close()
}

// SetLogger installs a zerolog.Logger used for warnings: a failed Phase 3
// index rename, a failed index descriptor write, and a failed index
// re-persist after Compact or on Close. Compaction stats are not logged.
// Open installs zerolog.Nop(), so by default nothing is logged.
func (db *Database) SetLogger(logger zerolog.Logger) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.logger = logger
}
