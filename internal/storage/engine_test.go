package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/errs"
	"github.com/kartikbazzad/mongolite/internal/wal"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenCreatesHeaderAndDataStart(t *testing.T) {
	e := openTestEngine(t)
	size, err := e.DataSize()
	require.NoError(t, err)
	require.Equal(t, int64(DataStart), size)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, []byte("NOTMAGIC"+string(make([]byte, HeaderSize))), 0644))
	_, err := Open(path)
	require.Error(t, err)
}

func TestCreateCollectionDuplicateFails(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateCollection("users"))
	err := e.CreateCollection("users")
	require.ErrorIs(t, err, errs.ErrCollectionExists)
}

func TestWriteReadDataRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	offset, err := e.WriteData([]byte("hello"))
	require.NoError(t, err)
	raw, err := e.ReadData(offset)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), raw)
}

func TestWriteZeroByteRecord(t *testing.T) {
	e := openTestEngine(t)
	offset, err := e.WriteData(nil)
	require.NoError(t, err)
	raw, err := e.ReadData(offset)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestMetadataConvergenceKeepsFixedDataStart(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.CreateCollection(string(rune('a'+i))))
	}
	require.NoError(t, e.Flush())

	meta, err := e.Collection("a")
	require.NoError(t, err)
	require.Equal(t, int64(DataStart), meta.DataOffset)
}

func TestCommitTransactionAppliesOpsAndMetadata(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateCollection("users"))

	doc := document.Empty()
	id := document.NewIntId(1)
	doc.SetId(id)
	doc.SetCollection("users")
	doc.Set("name", document.NewString("Alice"))

	err := e.CommitTransaction(CommitTxn{
		TxID: 1,
		Ops:  []Op{{Kind: OpInsert, Collection: "users", DocId: id, Doc: doc}},
		MetaChanges: []MetadataChange{{Collection: "users", LastId: 1}},
	})
	require.NoError(t, err)

	meta, err := e.Collection("users")
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.LastId)

	offset, ok := meta.Catalog[id]
	require.True(t, ok)

	raw, err := e.ReadData(offset)
	require.NoError(t, err)
	var got document.Document
	require.NoError(t, json.Unmarshal(raw, &got))
	name, _ := got.Get("name")
	require.Equal(t, "Alice", name.Str)
}

func TestRecoverFromWALReappliesCommittedTx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.db")
	e, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, e.CreateCollection("users"))

	doc := document.Empty()
	id := document.NewIntId(7)
	doc.SetId(id)
	doc.SetCollection("users")

	opPayload, err := json.Marshal(Op{Kind: OpInsert, Collection: "users", DocId: id, Doc: doc})
	require.NoError(t, err)

	w := e.WAL()
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameOperation, Data: opPayload})
	require.NoError(t, err)
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	committed, _, err := e.RecoverFromWAL()
	require.NoError(t, err)
	require.Len(t, committed, 1)

	meta, err := e.Collection("users")
	require.NoError(t, err)
	_, ok := meta.Catalog[id]
	require.True(t, ok)
}

// RecoverFromWAL must reconstruct LastId from the highest int _id actually
// replayed, since MetadataChange is never itself a WAL frame: a crash
// between the WAL fsync and metadata convergence would otherwise leave
// last_id at its pre-crash value, and the next auto-id insert would
// collide with a document the replay just restored.
func TestRecoverFromWALReconstructsLastId(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover_lastid.db")
	e, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, e.CreateCollection("users"))

	id := document.NewIntId(9)
	doc := document.Empty()
	doc.SetId(id)
	doc.SetCollection("users")
	opPayload, err := json.Marshal(Op{Kind: OpInsert, Collection: "users", DocId: id, Doc: doc})
	require.NoError(t, err)

	w := e.WAL()
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameBegin})
	require.NoError(t, err)
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameOperation, Data: opPayload})
	require.NoError(t, err)
	_, err = w.Append(wal.Frame{TxID: 1, Type: wal.FrameCommit})
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	// No MetadataChange was ever recorded for this transaction, simulating
	// a crash between the WAL fsync and metadata convergence.
	_, _, err = e.RecoverFromWAL()
	require.NoError(t, err)

	meta, err := e.Collection("users")
	require.NoError(t, err)
	require.Equal(t, uint64(9), meta.LastId)
}

func TestCompactKeepsOnlyLatestVersion(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateCollection("users"))

	id := document.NewIntId(1)
	for i := 0; i < 6; i++ {
		doc := document.Empty()
		doc.SetId(id)
		doc.SetCollection("users")
		doc.Set("v", document.NewInt(int64(i)*100))
		err := e.CommitTransaction(CommitTxn{
			TxID: uint64(i + 1),
			Ops:  []Op{{Kind: OpInsert, Collection: "users", DocId: id, Doc: doc}},
		})
		require.NoError(t, err)
	}

	before, err := e.DataSize()
	require.NoError(t, err)

	stats, err := e.Compact()
	require.NoError(t, err)
	require.Equal(t, 1, stats.DocumentsKept)
	require.True(t, stats.SizeAfter <= before)

	meta, err := e.Collection("users")
	require.NoError(t, err)
	offset := meta.Catalog[id]
	raw, err := e.ReadData(offset)
	require.NoError(t, err)
	var got document.Document
	require.NoError(t, json.Unmarshal(raw, &got))
	v, _ := got.Get("v")
	require.Equal(t, int64(500), v.Int)
}

func TestCompactEmptyCollection(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.CreateCollection("empty"))
	stats, err := e.Compact()
	require.NoError(t, err)
	require.Equal(t, 0, stats.DocumentsKept)
	require.Equal(t, 0, stats.TombstonesRemoved)
}
