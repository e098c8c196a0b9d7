package mongolite

import (
	"encoding/json"
	"sync"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/query"
	"github.com/kartikbazzad/mongolite/internal/storage"
	"github.com/kartikbazzad/mongolite/internal/txn"
)

// Collection is a view over one named collection: CRUD wrapped in
// single-operation transactions (spec.md §4.H), index management, and
// query execution via internal/query's planner.
type Collection struct {
	mu      sync.RWMutex
	name    string
	db      *Database
	indexes map[string]*btree.Tree
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// indexNames returns the names of every index currently registered, the
// shape internal/query.Analyze wants for "availableIndexes".
func (c *Collection) indexNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.indexes))
	for n := range c.indexes {
		names = append(names, n)
	}
	return names
}

// CreateIndex builds a B+ tree index over field (spec.md §4.C), backfills
// it from every non-tombstoned document currently in the collection, then
// persists it to disk via prepare+commit (outside the two-phase
// transaction protocol: schema changes are not buffered transactionally,
// matching spec.md §4.H's "a schema operation, not a CRUD one").
//
// The whole operation holds the database's single-writer lock, the same
// one Commit holds for its whole duration: backfilling under a released
// lock would let a concurrent insert land between the backfill scan and
// the index's registration, silently missing it from the new index.
func (c *Collection) CreateIndex(field string, unique bool) error {
	name := c.name + "_" + field

	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	c.mu.RLock()
	_, exists := c.indexes[name]
	c.mu.RUnlock()
	if exists {
		return errs.NewIndexNameInUseError(name)
	}

	tree := btree.New(name, field, unique)

	docs, err := c.scanAll()
	if err != nil {
		return err
	}
	for _, doc := range docs {
		val, ok := doc.Get(field)
		if !ok {
			continue
		}
		id, ok := doc.GetId()
		if !ok {
			continue
		}
		if err := tree.Insert(btree.KeyFrom(val), id); err != nil {
			return err
		}
	}

	finalPath := c.db.indexPath(c.name, name)
	tmpPath, err := tree.PrepareChanges(finalPath)
	if err != nil {
		return err
	}
	if err := btree.CommitPreparedChanges(tmpPath, finalPath); err != nil {
		return err
	}

	c.mu.Lock()
	c.indexes[name] = tree
	c.mu.Unlock()

	c.db.recordIndexDescriptor(c.name, name)
	return nil
}

// scanAll returns every non-tombstoned document currently in the
// collection, in no particular order (the catalog is a map).
func (c *Collection) scanAll() ([]document.Document, error) {
	meta, err := c.db.engine.Collection(c.name)
	if err != nil {
		return nil, err
	}
	var out []document.Document
	for id, offset := range meta.Catalog {
		doc, ok, err := c.loadAt(offset)
		if err != nil {
			return nil, err
		}
		if !ok || doc.IsTombstone() {
			continue
		}
		_ = id
		out = append(out, doc)
	}
	return out, nil
}

func (c *Collection) loadAt(offset int64) (document.Document, bool, error) {
	raw, err := c.db.engine.ReadData(offset)
	if err != nil {
		return document.Document{}, false, err
	}
	if len(raw) == 0 {
		return document.Document{}, false, nil
	}
	var v document.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return document.Document{}, false, &errs.DeserializationError{Detail: err.Error()}
	}
	return document.NewDocument(v), true, nil
}

// getByID returns the current document for id, if it exists and is not
// tombstoned.
func (c *Collection) getByID(id document.Id) (document.Document, bool, error) {
	meta, err := c.db.engine.Collection(c.name)
	if err != nil {
		return document.Document{}, false, err
	}
	offset, ok := meta.Catalog[id]
	if !ok {
		return document.Document{}, false, nil
	}
	doc, ok, err := c.loadAt(offset)
	if err != nil || !ok || doc.IsTombstone() {
		return document.Document{}, false, err
	}
	return doc, true, nil
}

// InsertTx buffers an insert of fields (an object Value) onto an
// explicitly managed transaction, assigning an auto-incrementing integer
// id if fields carries no "_id" (spec.md §8 scenario S1/S2
// "insert_tx(c, doc, tx)"). The caller commits or rolls tx back.
func (c *Collection) InsertTx(tx *txn.Transaction, fields document.Value) (document.Id, error) {
	doc := document.NewDocument(fields.Clone())

	meta, err := c.db.engine.Collection(c.name)
	if err != nil {
		return document.Id{}, err
	}

	id, hasId := doc.GetId()
	newLastId := meta.LastId
	if !hasId {
		id = document.NewAutoId(meta.LastId)
		newLastId = uint64(id.Int)
	} else if id.Kind == document.IdKindInt && uint64(id.Int) > meta.LastId {
		newLastId = uint64(id.Int)
	}
	doc.SetId(id)
	doc.SetCollection(c.name)

	if err := tx.AddOperation(storage.Op{Kind: storage.OpInsert, Collection: c.name, DocId: id, Doc: doc}); err != nil {
		return document.Id{}, err
	}

	c.mu.RLock()
	for indexName, tree := range c.indexes {
		if val, ok := doc.Get(tree.Meta.Field); ok {
			ch := storage.IndexChange{Collection: c.name, IndexName: indexName, Operation: storage.IndexChangeInsert, Key: btree.KeyFrom(val), DocId: id}
			if err := tx.AddIndexChange(indexName, ch); err != nil {
				c.mu.RUnlock()
				return document.Id{}, err
			}
		}
	}
	c.mu.RUnlock()

	if newLastId != meta.LastId {
		if err := tx.AddMetadataChange(storage.MetadataChange{Collection: c.name, LastId: newLastId}); err != nil {
			return document.Id{}, err
		}
	}

	return id, nil
}

// InsertOne is InsertTx wrapped in its own begin+commit (spec.md §4.H).
func (c *Collection) InsertOne(fields document.Value) (document.Id, error) {
	tx := c.db.Begin()
	id, err := c.InsertTx(tx, fields)
	if err != nil {
		c.db.Rollback(tx)
		return document.Id{}, err
	}
	if err := c.db.Commit(tx); err != nil {
		return document.Id{}, err
	}
	return id, nil
}

// UpdateTx buffers a shallow merge of patch's fields into the existing
// document for id onto tx, re-keying every index whose field changed.
// Returns ErrDocumentNotFound if id does not currently exist.
func (c *Collection) UpdateTx(tx *txn.Transaction, id document.Id, patch document.Value) error {
	oldDoc, ok, err := c.getByID(id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrDocumentNotFound
	}

	newDoc := oldDoc.Clone()
	if patch.Kind == document.KindObject {
		for k, v := range patch.Obj {
			if k == document.FieldId || k == document.FieldCollection {
				continue
			}
			newDoc.Set(k, v)
		}
	}

	op := storage.Op{Kind: storage.OpUpdate, Collection: c.name, DocId: id, OldDoc: oldDoc, NewDoc: newDoc}
	if err := tx.AddOperation(op); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for indexName, tree := range c.indexes {
		oldVal, hadOld := oldDoc.Get(tree.Meta.Field)
		newVal, hasNew := newDoc.Get(tree.Meta.Field)
		if hadOld && (!hasNew || !oldVal.Equal(newVal)) {
			ch := storage.IndexChange{Collection: c.name, IndexName: indexName, Operation: storage.IndexChangeDelete, Key: btree.KeyFrom(oldVal), DocId: id}
			if err := tx.AddIndexChange(indexName, ch); err != nil {
				return err
			}
		}
		if hasNew && (!hadOld || !oldVal.Equal(newVal)) {
			ch := storage.IndexChange{Collection: c.name, IndexName: indexName, Operation: storage.IndexChangeInsert, Key: btree.KeyFrom(newVal), DocId: id}
			if err := tx.AddIndexChange(indexName, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateOne is UpdateTx wrapped in its own begin+commit.
func (c *Collection) UpdateOne(id document.Id, patch document.Value) error {
	tx := c.db.Begin()
	if err := c.UpdateTx(tx, id, patch); err != nil {
		c.db.Rollback(tx)
		return err
	}
	return c.db.Commit(tx)
}

// DeleteTx buffers a tombstone write for id onto tx (spec.md §3
// "Tombstone") and removes it from every index it was present in.
func (c *Collection) DeleteTx(tx *txn.Transaction, id document.Id) error {
	oldDoc, ok, err := c.getByID(id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrDocumentNotFound
	}

	op := storage.Op{Kind: storage.OpDelete, Collection: c.name, DocId: id, OldDoc: oldDoc}
	if err := tx.AddOperation(op); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for indexName, tree := range c.indexes {
		if val, ok := oldDoc.Get(tree.Meta.Field); ok {
			ch := storage.IndexChange{Collection: c.name, IndexName: indexName, Operation: storage.IndexChangeDelete, Key: btree.KeyFrom(val), DocId: id}
			if err := tx.AddIndexChange(indexName, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteOne is DeleteTx wrapped in its own begin+commit.
func (c *Collection) DeleteOne(id document.Id) error {
	tx := c.db.Begin()
	if err := c.DeleteTx(tx, id); err != nil {
		c.db.Rollback(tx)
		return err
	}
	return c.db.Commit(tx)
}

// Find executes query via internal/query.Analyze's chosen plan, falling
// back to a full collection scan plus in-process matching when no index
// applies, and always re-checking matches() against the plan's candidates
// (spec.md §4.G: the index only narrows, the predicate still decides).
func (c *Collection) Find(q document.Value) ([]document.Document, error) {
	plan := query.Analyze(q, c.indexNames())
	return c.findWithPlan(plan, q)
}

// FindWithHint executes query against the named index explicitly,
// erroring if the hint does not cover queryField (spec.md §4.G step 5).
func (c *Collection) FindWithHint(queryField string, queryValue document.Value, hintIndex string) ([]document.Document, error) {
	c.mu.RLock()
	tree, ok := c.indexes[hintIndex]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.NewHintNotFoundError(hintIndex)
	}

	plan, err := query.FindWithHint(queryField, queryValue, hintIndex, tree.Meta.Field)
	if err != nil {
		return nil, err
	}
	return c.findWithPlan(plan, document.NewObject(map[string]document.Value{queryField: queryValue}))
}

func (c *Collection) findWithPlan(plan query.Plan, q document.Value) ([]document.Document, error) {
	switch plan.Stage {
	case query.StageIndexScan:
		c.mu.RLock()
		tree := c.indexes[plan.IndexName]
		c.mu.RUnlock()
		if tree == nil {
			return c.scanFiltered(q)
		}
		// An equality lookup is a range scan with both bounds equal to
		// plan.Key, both inclusive: under a non-unique index, more than one
		// id can carry the same key, and Search would only ever surface the
		// first one (spec.md §4.C; original_source/mongolite-core/src/
		// collection_core.rs's equivalent plan runs range_scan(&key, &key,
		// true, true) for exactly this reason).
		ids := tree.RangeScan(&plan.Key, &plan.Key, true, true)
		var out []document.Document
		for _, id := range ids {
			doc, ok, err := c.getByID(id)
			if err != nil {
				return nil, err
			}
			if ok && matches(doc, q) {
				out = append(out, doc)
			}
		}
		return out, nil

	case query.StageIndexRangeScan:
		c.mu.RLock()
		tree := c.indexes[plan.IndexName]
		c.mu.RUnlock()
		if tree == nil {
			return c.scanFiltered(q)
		}
		ids := tree.RangeScan(plan.Start, plan.End, plan.InclusiveStart, plan.InclusiveEnd)
		var out []document.Document
		for _, id := range ids {
			doc, ok, err := c.getByID(id)
			if err != nil {
				return nil, err
			}
			if ok && matches(doc, q) {
				out = append(out, doc)
			}
		}
		return out, nil

	default:
		return c.scanFiltered(q)
	}
}

func (c *Collection) scanFiltered(q document.Value) ([]document.Document, error) {
	docs, err := c.scanAll()
	if err != nil {
		return nil, err
	}
	var out []document.Document
	for _, doc := range docs {
		if matches(doc, q) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// FindOne returns the first document matching query, if any.
func (c *Collection) FindOne(q document.Value) (document.Document, bool, error) {
	docs, err := c.Find(q)
	if err != nil || len(docs) == 0 {
		return document.Document{}, false, err
	}
	return docs[0], true, nil
}

// Explain reports how Find(query) would execute, without running it
// (spec.md §4.G step 4).
func (c *Collection) Explain(q document.Value) map[string]interface{} {
	return query.Explain(q, c.indexNames())
}
