package mongolite

import (
	"sort"

	"github.com/kartikbazzad/mongolite/document"
	"github.com/kartikbazzad/mongolite/internal/btree"
)

// QueryOptions shapes how Find's result set is ordered and paginated,
// applied after predicate matching, grounded on bundoc's options.go.
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
}

// FindWithOptions runs Find(query), then applies opts: an optional
// single-field sort (via internal/btree's total order over the field's
// values, so sort order agrees with an index over the same field), then
// skip, then limit.
func (c *Collection) FindWithOptions(q document.Value, opts QueryOptions) ([]document.Document, error) {
	docs, err := c.Find(q)
	if err != nil {
		return nil, err
	}

	if opts.SortField != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			vi, _ := docs[i].Get(opts.SortField)
			vj, _ := docs[j].Get(opts.SortField)
			c := btree.KeyFrom(vi).Compare(btree.KeyFrom(vj))
			if opts.SortDesc {
				return c > 0
			}
			return c < 0
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(docs) {
			return nil, nil
		}
		docs = docs[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}
