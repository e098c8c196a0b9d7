// Package query implements mongolite's query planner (spec.md §4.G):
// index selection for equality and single-field range predicates, hinted
// plans, and an explain output. It is a near-direct port of
// original_source/mongolite-core/src/query_planner.rs's analyze_query /
// analyze_range_query / find_index_for_field, translated from Rust's
// Option<(String, QueryPlan)> return style into Go's (Plan, bool), with
// document.Value replacing serde_json::Value as the predicate operand.
package query

import (
	"strings"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
	"github.com/kartikbazzad/mongolite/internal/errs"
)

// StageKind discriminates the plan spec.md §4.G's algorithm selects.
type StageKind int

const (
	StageCollectionScan StageKind = iota
	StageIndexScan
	StageIndexRangeScan
)

// Plan describes how a query should execute.
type Plan struct {
	Stage     StageKind
	IndexName string
	Field     string

	// IndexScan
	Key btree.Key

	// IndexRangeScan
	Start        *btree.Key
	End          *btree.Key
	InclusiveStart bool
	InclusiveEnd   bool
}

// rangeOperators are the comparison operators analyze_range_query
// recognizes (spec.md §4.G step 2).
const (
	opGt  = "$gt"
	opGte = "$gte"
	opLt  = "$lt"
	opLte = "$lte"
)

// Analyze selects an execution plan for query against availableIndexes
// (spec.md §4.G steps 1-3). Query is a document.Value of object kind
// shaped like `{"field": value}` or `{"field": {"$gte": ..., "$lt": ...}}`.
// A root object whose keys begin with a reserved marker ($and/$or/$nor)
// always yields CollectionScan: no compound optimization in the core.
func Analyze(query document.Value, availableIndexes []string) Plan {
	if query.Kind != document.KindObject {
		return Plan{Stage: StageCollectionScan}
	}

	for k := range query.Obj {
		if strings.HasPrefix(k, "$") {
			return Plan{Stage: StageCollectionScan}
		}
	}

	if plan, ok := analyzeRange(query, availableIndexes); ok {
		return plan
	}

	field, value, ok := firstField(query)
	if !ok {
		return Plan{Stage: StageCollectionScan}
	}

	if value.Kind == document.KindObject && hasOperatorKey(value) {
		// Already handled (or not handleable) by analyzeRange above.
		return Plan{Stage: StageCollectionScan}
	}

	indexName, ok := findIndexForField(field, availableIndexes)
	if !ok {
		return Plan{Stage: StageCollectionScan}
	}

	return Plan{
		Stage:     StageIndexScan,
		IndexName: indexName,
		Field:     field,
		Key:       btree.KeyFrom(value),
	}
}

// analyzeRange looks for a single top-level field whose value is an
// object carrying $gt/$gte/$lt/$lte (spec.md §4.G step 2 "range").
func analyzeRange(query document.Value, availableIndexes []string) (Plan, bool) {
	for field, cond := range query.Obj {
		if strings.HasPrefix(field, "$") {
			continue
		}
		if cond.Kind != document.KindObject {
			continue
		}

		gt, hasGt := cond.Field(opGt)
		gte, hasGte := cond.Field(opGte)
		lt, hasLt := cond.Field(opLt)
		lte, hasLte := cond.Field(opLte)
		if !hasGt && !hasGte && !hasLt && !hasLte {
			continue
		}

		indexName, ok := findIndexForField(field, availableIndexes)
		if !ok {
			return Plan{}, false
		}

		var start, end *btree.Key
		switch {
		case hasGte:
			k := btree.KeyFrom(gte)
			start = &k
		case hasGt:
			k := btree.KeyFrom(gt)
			start = &k
		}
		switch {
		case hasLte:
			k := btree.KeyFrom(lte)
			end = &k
		case hasLt:
			k := btree.KeyFrom(lt)
			end = &k
		}

		return Plan{
			Stage:          StageIndexRangeScan,
			IndexName:      indexName,
			Field:          field,
			Start:          start,
			End:            end,
			InclusiveStart: hasGte || (!hasGt && !hasGte),
			InclusiveEnd:   hasLte || (!hasLt && !hasLte),
		}, true
	}
	return Plan{}, false
}

func firstField(query document.Value) (string, document.Value, bool) {
	for k, v := range query.Obj {
		return k, v, true
	}
	return "", document.Value{}, false
}

func hasOperatorKey(v document.Value) bool {
	for k := range v.Obj {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// findIndexForField looks for an index whose name ends with "_<field>"
// (spec.md §4.G: "Choose an index whose name ends with `_<field>`").
func findIndexForField(field string, availableIndexes []string) (string, bool) {
	suffix := "_" + field
	for _, idx := range availableIndexes {
		if strings.HasSuffix(idx, suffix) {
			return idx, true
		}
	}
	return "", false
}

// FindWithHint builds the same plan family targeting the named index
// explicitly, erroring if the index does not exist or the query does not
// touch the field it covers (spec.md §4.G step 5).
func FindWithHint(queryField string, queryValue document.Value, hintIndex, hintField string) (Plan, error) {
	if hintIndex == "" {
		return Plan{}, errs.NewHintNotFoundError(hintIndex)
	}
	if queryField != hintField {
		return Plan{}, errs.NewHintFieldMismatchError(hintIndex, hintField)
	}

	if queryValue.Kind == document.KindObject && hasOperatorKey(queryValue) {
		gt, hasGt := queryValue.Field(opGt)
		gte, hasGte := queryValue.Field(opGte)
		lt, hasLt := queryValue.Field(opLt)
		lte, hasLte := queryValue.Field(opLte)

		var start, end *btree.Key
		switch {
		case hasGte:
			k := btree.KeyFrom(gte)
			start = &k
		case hasGt:
			k := btree.KeyFrom(gt)
			start = &k
		}
		switch {
		case hasLte:
			k := btree.KeyFrom(lte)
			end = &k
		case hasLt:
			k := btree.KeyFrom(lt)
			end = &k
		}

		return Plan{
			Stage:          StageIndexRangeScan,
			IndexName:      hintIndex,
			Field:          hintField,
			Start:          start,
			End:            end,
			InclusiveStart: hasGte || (!hasGt && !hasGte),
			InclusiveEnd:   hasLte || (!hasLt && !hasLte),
		}, nil
	}

	return Plan{
		Stage:     StageIndexScan,
		IndexName: hintIndex,
		Field:     hintField,
		Key:       btree.KeyFrom(queryValue),
	}, nil
}

// Explain returns a structured description of the chosen plan (spec.md
// §4.G step 4), matching explain_query's JSON shape from
// query_planner.rs's explain_query.
func Explain(query document.Value, availableIndexes []string) map[string]interface{} {
	plan := Analyze(query, availableIndexes)
	switch plan.Stage {
	case StageIndexScan:
		return map[string]interface{}{
			"queryPlan":     "IndexScan",
			"indexUsed":     plan.IndexName,
			"field":         plan.Field,
			"stage":         "FETCH_WITH_INDEX",
			"indexType":     "equality",
			"searchKey":     plan.Key.String(),
			"estimatedCost": "O(log n)",
		}
	case StageIndexRangeScan:
		return map[string]interface{}{
			"queryPlan": "IndexRangeScan",
			"indexUsed": plan.IndexName,
			"field":     plan.Field,
			"stage":     "FETCH_WITH_INDEX",
			"indexType": "range",
			"range": map[string]interface{}{
				"start":          keyString(plan.Start),
				"end":            keyString(plan.End),
				"inclusiveStart": plan.InclusiveStart,
				"inclusiveEnd":   plan.InclusiveEnd,
			},
			"estimatedCost": "O(log n + k)",
		}
	default:
		return map[string]interface{}{
			"queryPlan":        "CollectionScan",
			"indexUsed":        nil,
			"stage":            "FULL_SCAN",
			"reason":           "No suitable index found for query",
			"estimatedCost":    "O(n)",
			"availableIndexes": availableIndexes,
		}
	}
}

func keyString(k *btree.Key) interface{} {
	if k == nil {
		return nil
	}
	return k.String()
}
