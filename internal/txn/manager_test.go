package txn

import (
	"testing"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestBeginAssignsMonotonicIds(t *testing.T) {
	m := NewManager()
	t1 := m.Begin()
	t2 := m.Begin()
	require.Equal(t, uint64(1), t1.ID)
	require.Equal(t, uint64(2), t2.ID)
	require.Equal(t, StatusActive, t1.Status)
}

func TestAddOperationRequiresActive(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	op := storage.Op{Kind: storage.OpInsert, Collection: "users", DocId: document.NewIntId(1)}
	require.NoError(t, tx.AddOperation(op))
	require.Len(t, tx.Operations, 1)

	require.NoError(t, tx.MarkCommitted())
	require.ErrorIs(t, tx.AddOperation(op), errs.ErrTransactionCommitted)
}

func TestRollbackClearsBuffersAndIsIdempotent(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	require.NoError(t, tx.AddOperation(storage.Op{Kind: storage.OpInsert}))
	require.NoError(t, tx.AddIndexChange("users_email", storage.IndexChange{Operation: storage.IndexChangeInsert}))

	tx.Rollback()
	require.Equal(t, StatusAborted, tx.Status)
	require.Empty(t, tx.Operations)
	require.Empty(t, tx.IndexChanges)

	tx.Rollback() // idempotent
	require.Equal(t, StatusAborted, tx.Status)
}

func TestHasIndexChanges(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	require.False(t, tx.HasIndexChanges())
	require.NoError(t, tx.AddIndexChange("users_email", storage.IndexChange{Operation: storage.IndexChangeInsert}))
	require.True(t, tx.HasIndexChanges())
}

func TestRemoveAndReinsert(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	m.Remove(tx.ID)
	_, ok := m.Get(tx.ID)
	require.False(t, ok)

	m.Reinsert(tx)
	_, ok = m.Get(tx.ID)
	require.True(t, ok)
}

func TestToCommitTxnFlattensIndexChanges(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	require.NoError(t, tx.AddOperation(storage.Op{Kind: storage.OpInsert}))
	require.NoError(t, tx.AddIndexChange("users_email", storage.IndexChange{Operation: storage.IndexChangeInsert}))
	require.NoError(t, tx.AddIndexChange("users_age", storage.IndexChange{Operation: storage.IndexChangeInsert}))

	ctx := tx.ToCommitTxn()
	require.Equal(t, tx.ID, ctx.TxID)
	require.Len(t, ctx.Ops, 1)
	require.Len(t, ctx.IndexChanges, 2)
}

func TestEmptyTransactionCommitAndRollbackSucceed(t *testing.T) {
	m := NewManager()
	tx := m.Begin()
	require.NoError(t, tx.MarkCommitted())

	m2 := NewManager()
	tx2 := m2.Begin()
	tx2.Rollback()
	require.Equal(t, StatusAborted, tx2.Status)
}
