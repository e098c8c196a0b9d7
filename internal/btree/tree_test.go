package btree

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/stretchr/testify/require"
)

func TestInsertSearch(t *testing.T) {
	tree := New("idx_age", "age", false)
	for i := int64(0); i < 500; i++ {
		require.NoError(t, tree.Insert(NewIntKey(i), document.NewIntId(i)))
	}
	for i := int64(0); i < 500; i++ {
		id, ok := tree.Search(NewIntKey(i))
		require.True(t, ok)
		require.True(t, id.Equal(document.NewIntId(i)))
	}
	_, ok := tree.Search(NewIntKey(999))
	require.False(t, ok)
}

func TestUniqueConstraint(t *testing.T) {
	tree := New("idx_email", "email", true)
	require.NoError(t, tree.Insert(NewStringKey("a@x"), document.NewIntId(1)))
	before := tree.Meta.NumKeys
	err := tree.Insert(NewStringKey("a@x"), document.NewIntId(2))
	require.Error(t, err)
	require.Equal(t, before, tree.Meta.NumKeys)
}

func TestOrderingAfterRandomInsert(t *testing.T) {
	tree := New("idx_v", "v", true)
	r := rand.New(rand.NewSource(42))
	keys := r.Perm(2000)
	for _, k := range keys {
		require.NoError(t, tree.Insert(NewIntKey(int64(k)), document.NewIntId(int64(k))))
	}

	pairs := tree.InOrder()
	require.Len(t, pairs, 2000)
	for i := 1; i < len(pairs); i++ {
		require.True(t, pairs[i-1].Key.Compare(pairs[i].Key) < 0)
	}
}

func TestRangeScan(t *testing.T) {
	tree := New("idx_age", "age", false)
	for i := int64(0); i < 100; i++ {
		require.NoError(t, tree.Insert(NewIntKey(i), document.NewIntId(i)))
	}

	start := NewIntKey(10)
	end := NewIntKey(20)
	ids := tree.RangeScan(&start, &end, true, false)
	require.Len(t, ids, 10)
	for i, id := range ids {
		require.True(t, id.Equal(document.NewIntId(int64(10+i))))
	}
}

func TestRangeScanEmptyWhenStartAfterEnd(t *testing.T) {
	tree := New("idx_age", "age", false)
	require.NoError(t, tree.Insert(NewIntKey(5), document.NewIntId(5)))
	start := NewIntKey(20)
	end := NewIntKey(10)
	require.Empty(t, tree.RangeScan(&start, &end, true, true))
}

func TestRangeScanDuplicatesUnderNonUniqueIndex(t *testing.T) {
	tree := New("idx_status", "status", false)
	require.NoError(t, tree.Insert(NewStringKey("active"), document.NewIntId(1)))
	require.NoError(t, tree.Insert(NewStringKey("active"), document.NewIntId(2)))
	require.NoError(t, tree.Insert(NewStringKey("active"), document.NewIntId(3)))

	key := NewStringKey("active")
	ids := tree.RangeScan(&key, &key, true, true)
	require.Len(t, ids, 3)
}

func TestDeleteRemovesPair(t *testing.T) {
	tree := New("idx_age", "age", false)
	require.NoError(t, tree.Insert(NewIntKey(1), document.NewIntId(1)))
	require.True(t, tree.Delete(NewIntKey(1), document.NewIntId(1)))
	_, ok := tree.Search(NewIntKey(1))
	require.False(t, ok)
}

func TestKeyTotalOrder(t *testing.T) {
	keys := []Key{
		NewStringKey("z"),
		NewNullKey(),
		NewFloatKey(1.5),
		NewIntKey(5),
		NewBoolKey(true),
		NewBoolKey(false),
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	require.Equal(t, KeyNull, keys[0].Kind)
	require.Equal(t, KeyBool, keys[1].Kind)
	require.Equal(t, KeyBool, keys[2].Kind)
	require.False(t, keys[1].Bool)
	require.True(t, keys[2].Bool)
	require.Equal(t, KeyInt, keys[3].Kind)
	require.Equal(t, KeyFloat, keys[4].Kind)
	require.Equal(t, KeyString, keys[5].Kind)
}

func TestNaNComparesEqualToItself(t *testing.T) {
	nan := NewFloatKey(nanValue())
	require.Equal(t, 0, nan.Compare(nan))
	require.Equal(t, 1, nan.Compare(NewFloatKey(1e300)))
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tree := New("idx_age", "age", false)
	for i := int64(0); i < 5000; i++ {
		require.NoError(t, tree.Insert(NewIntKey(i), document.NewIntId(i)))
	}

	path := filepath.Join(dir, "users.idx_age.idx")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	root, err := tree.SaveToFile(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	meta := tree.Meta
	meta.RootOffset = root

	rf, err := os.Open(path)
	require.NoError(t, err)
	defer rf.Close()

	loaded, err := LoadFromFile(rf, meta)
	require.NoError(t, err)

	for i := int64(0); i < 5000; i++ {
		id, ok := loaded.Search(NewIntKey(i))
		require.True(t, ok)
		require.True(t, id.Equal(document.NewIntId(i)))
	}
}

func TestPrepareCommitRollback(t *testing.T) {
	dir := t.TempDir()
	tree := New("idx_age", "age", false)
	require.NoError(t, tree.Insert(NewIntKey(1), document.NewIntId(1)))

	basePath := filepath.Join(dir, "users.idx_age.idx")
	tmp, err := tree.PrepareChanges(basePath)
	require.NoError(t, err)
	require.FileExists(t, tmp)
	require.NoFileExists(t, basePath)

	require.NoError(t, CommitPreparedChanges(tmp, basePath))
	require.FileExists(t, basePath)
	require.NoFileExists(t, tmp)
}

func TestRollbackPreparedRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	tree := New("idx_age", "age", false)
	require.NoError(t, tree.Insert(NewIntKey(1), document.NewIntId(1)))

	basePath := filepath.Join(dir, "users.idx_age.idx")
	tmp, err := tree.PrepareChanges(basePath)
	require.NoError(t, err)

	require.NoError(t, RollbackPreparedChanges(tmp))
	require.NoFileExists(t, tmp)
}
