// Package txn implements mongolite's transaction manager (spec.md §4.E):
// per-transaction buffering of operations, index changes, and metadata
// changes, plus the Active/Committed/Aborted state machine. The actual
// nine-step commit sequence executes in internal/storage.Engine; this
// package is responsible only for buffering and state transitions,
// matching the spec's component split (E buffers, D executes, F
// orchestrates two-phase commit with indexes).
package txn

import (
	"sync"

	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/storage"
)

// Status is a transaction's lifecycle state (spec.md §4.E).
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction buffers one in-flight unit of work: its operations, its
// index changes (grouped by index name), and its metadata changes.
type Transaction struct {
	mu sync.Mutex

	ID     uint64
	Status Status

	Operations      []storage.Op
	IndexChanges     map[string][]storage.IndexChange
	MetadataChanges []storage.MetadataChange
}

func newTransaction(id uint64) *Transaction {
	return &Transaction{ID: id, Status: StatusActive, IndexChanges: make(map[string][]storage.IndexChange)}
}

// AddOperation buffers op. Requires the transaction be Active.
func (t *Transaction) AddOperation(op storage.Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return errs.ErrTransactionCommitted
	}
	t.Operations = append(t.Operations, op)
	return nil
}

// AddIndexChange buffers ch under indexName. Requires the transaction be
// Active.
func (t *Transaction) AddIndexChange(indexName string, ch storage.IndexChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return errs.ErrTransactionCommitted
	}
	t.IndexChanges[indexName] = append(t.IndexChanges[indexName], ch)
	return nil
}

// AddMetadataChange buffers mc. Requires the transaction be Active.
func (t *Transaction) AddMetadataChange(mc storage.MetadataChange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return errs.ErrTransactionCommitted
	}
	t.MetadataChanges = append(t.MetadataChanges, mc)
	return nil
}

// Rollback clears every buffer and transitions to Aborted; idempotent
// from Aborted.
func (t *Transaction) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == StatusAborted {
		return
	}
	t.Operations = nil
	t.IndexChanges = make(map[string][]storage.IndexChange)
	t.MetadataChanges = nil
	t.Status = StatusAborted
}

// MarkCommitted transitions an Active transaction to Committed. Requires
// the transaction currently be Active.
func (t *Transaction) MarkCommitted() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return errs.ErrTransactionCommitted
	}
	t.Status = StatusCommitted
	return nil
}

// HasIndexChanges reports whether any index changes have been buffered —
// the database coordinator uses this to decide whether a commit needs the
// two-phase index protocol (spec.md §4.F Phase 0) or can delegate
// directly to the ordinary storage commit.
func (t *Transaction) HasIndexChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, changes := range t.IndexChanges {
		if len(changes) > 0 {
			return true
		}
	}
	return false
}

// ToCommitTxn assembles the buffered operations, metadata changes, and
// index changes (flattened across all index names; each change carries its
// own IndexName) into the payload internal/storage.Engine.CommitTransaction
// consumes.
func (t *Transaction) ToCommitTxn() storage.CommitTxn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var flatChanges []storage.IndexChange
	for _, changes := range t.IndexChanges {
		flatChanges = append(flatChanges, changes...)
	}
	return storage.CommitTxn{
		TxID:         t.ID,
		Ops:          append([]storage.Op{}, t.Operations...),
		IndexChanges: flatChanges,
		MetaChanges:  append([]storage.MetadataChange{}, t.MetadataChanges...),
	}
}

// Manager assigns transaction ids from a monotonic counter starting at 1
// (never reused within a process lifetime) and keeps a registry of active
// transactions keyed by id (spec.md §4.F).
type Manager struct {
	mu     sync.RWMutex
	nextID uint64
	active map[uint64]*Transaction
}

// NewManager returns an empty transaction registry.
func NewManager() *Manager {
	return &Manager{active: make(map[uint64]*Transaction)}
}

// Begin allocates a new Active transaction and registers it.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tx := newTransaction(m.nextID)
	m.active[tx.ID] = tx
	return tx
}

// Get returns the active transaction with id, if registered.
func (m *Manager) Get(id uint64) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.active[id]
	return tx, ok
}

// Remove unregisters id (spec.md §4.F Phase 0: "Remove the transaction
// from the active registry").
func (m *Manager) Remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// Reinsert puts tx back into the active registry — used when Phase 1 of
// two-phase commit fails and the caller must still be able to roll the
// transaction back explicitly (spec.md §4.F Phase 1).
func (m *Manager) Reinsert(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[tx.ID] = tx
}

// ActiveCount returns the number of currently registered transactions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
