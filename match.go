package mongolite

import (
	"strings"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
)

// matches is the minimal predicate matcher collection views fall back on
// once a Plan has narrowed the candidate set (or when no index applies at
// all): per-field equality, the operators $eq/$ne/$gt/$gte/$lt/$lte (the
// query planner uses only the last four), and a top-level $and.
// This is deliberately not a general aggregation pipeline — spec.md §1
// scopes that out of the core engine. $or/$nor are not implemented for the
// same reason: a query using either falls through to per-field matching,
// where an unrecognized "$or"/"$nor" key is treated as a literal field
// name and (absent a document field by that name) matches nothing.
func matches(doc document.Document, query document.Value) bool {
	if query.Kind != document.KindObject {
		return false
	}
	for field, cond := range query.Obj {
		if field == "$and" {
			if cond.Kind != document.KindArray {
				return false
			}
			for _, sub := range cond.Arr {
				if !matches(doc, sub) {
					return false
				}
			}
			continue
		}
		val, ok := doc.Get(field)
		if !ok {
			return false
		}
		if !matchField(val, cond) {
			return false
		}
	}
	return true
}

func matchField(val, cond document.Value) bool {
	if cond.Kind == document.KindObject && hasOperatorKeys(cond) {
		for op, operand := range cond.Obj {
			if !matchOperator(val, op, operand) {
				return false
			}
		}
		return true
	}
	return val.Equal(cond)
}

func hasOperatorKeys(v document.Value) bool {
	for k := range v.Obj {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// matchOperator reuses internal/btree's total order for the relational
// operators, so "greater than" on a query value agrees exactly with how
// an index over the same field would have ordered it.
func matchOperator(val document.Value, op string, operand document.Value) bool {
	switch op {
	case "$eq":
		return val.Equal(operand)
	case "$ne":
		return !val.Equal(operand)
	case "$gt":
		return btree.KeyFrom(val).Compare(btree.KeyFrom(operand)) > 0
	case "$gte":
		return btree.KeyFrom(val).Compare(btree.KeyFrom(operand)) >= 0
	case "$lt":
		return btree.KeyFrom(val).Compare(btree.KeyFrom(operand)) < 0
	case "$lte":
		return btree.KeyFrom(val).Compare(btree.KeyFrom(operand)) <= 0
	default:
		return false
	}
}
