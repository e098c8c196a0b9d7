package query

import (
	"testing"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
	"github.com/stretchr/testify/require"
)

func TestEqualityQueryAnalysis(t *testing.T) {
	q := document.NewObject(map[string]document.Value{"age": document.NewInt(25)})
	plan := Analyze(q, []string{"users_age", "users_id"})

	require.Equal(t, StageIndexScan, plan.Stage)
	require.Equal(t, "users_age", plan.IndexName)
	require.Equal(t, "age", plan.Field)
	require.Equal(t, btree.NewIntKey(25), plan.Key)
}

func TestRangeQueryAnalysis(t *testing.T) {
	q := document.NewObject(map[string]document.Value{
		"age": document.NewObject(map[string]document.Value{
			"$gte": document.NewInt(18),
			"$lt":  document.NewInt(65),
		}),
	})
	plan := Analyze(q, []string{"users_age"})

	require.Equal(t, StageIndexRangeScan, plan.Stage)
	require.Equal(t, "users_age", plan.IndexName)
	require.NotNil(t, plan.Start)
	require.Equal(t, btree.NewIntKey(18), *plan.Start)
	require.NotNil(t, plan.End)
	require.Equal(t, btree.NewIntKey(65), *plan.End)
	require.True(t, plan.InclusiveStart)
	require.False(t, plan.InclusiveEnd)
}

func TestNoIndexAvailableFallsBackToCollectionScan(t *testing.T) {
	q := document.NewObject(map[string]document.Value{"name": document.NewString("Alice")})
	plan := Analyze(q, []string{"users_age"})
	require.Equal(t, StageCollectionScan, plan.Stage)
}

func TestComplexQueryNoOptimization(t *testing.T) {
	q := document.NewObject(map[string]document.Value{
		"$and": document.NewArray([]document.Value{
			document.NewObject(map[string]document.Value{"age": document.NewInt(25)}),
		}),
	})
	plan := Analyze(q, []string{"users_age"})
	require.Equal(t, StageCollectionScan, plan.Stage)
}

func TestFindWithHintRequiresMatchingField(t *testing.T) {
	_, err := FindWithHint("name", document.NewString("Alice"), "users_age", "age")
	require.Error(t, err)
}

func TestFindWithHintBuildsEqualityPlan(t *testing.T) {
	plan, err := FindWithHint("age", document.NewInt(30), "users_age", "age")
	require.NoError(t, err)
	require.Equal(t, StageIndexScan, plan.Stage)
	require.Equal(t, btree.NewIntKey(30), plan.Key)
}

func TestExplainCollectionScan(t *testing.T) {
	q := document.NewObject(map[string]document.Value{"name": document.NewString("Alice")})
	out := Explain(q, []string{"users_age"})
	require.Equal(t, "CollectionScan", out["queryPlan"])
	require.Equal(t, "O(n)", out["estimatedCost"])
}
