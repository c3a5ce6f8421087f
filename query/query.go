// Package query implements the executor that turns a namespace, a
// filter, and result options into rows: consulting the materialized-view
// router first, then falling back to a projected Parquet scan of every
// row group of the source namespace; indexes are only checked to report
// which one matches the filter. Grounded on the
// teacher's request-handling pipeline shape (resolve -> fetch -> shape
// response), generalized from HTTP handlers to a query-planning pipeline.
package query

import (
	"context"
	"sort"

	"github.com/evalgo-org/storedb/cache"
	"github.com/evalgo-org/storedb/codec"
	"github.com/evalgo-org/storedb/commit"
	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
	"github.com/evalgo-org/storedb/filter"
	"github.com/evalgo-org/storedb/index"
	"github.com/evalgo-org/storedb/mv"
	"github.com/evalgo-org/storedb/variant"
)

// Options bounds and shapes a query's result set.
type Options struct {
	Sort    []SortKey
	Limit   int
	Skip    int
	Project []string
	Cursor  string
}

// SortKey is one field of a multi-key sort.
type SortKey struct {
	Field      string
	Descending bool
}

// Stats reports what the executor actually did to serve a query.
type Stats struct {
	IndexUsed      string // index name, "mv:<name>", or "" for a full scan
	RowsScanned    int
	RowsReturned   int
	RowGroupsRead  int
	RowGroupsTotal int
}

// Result is the executor's output.
type Result struct {
	Rows  []map[string]interface{}
	Stats Stats
}

// IndexSet resolves named indexes for a namespace; the executor reports a
// matching index in Stats.IndexUsed and reads every row group whether or
// not one matches.
type IndexSet interface {
	IndexFor(field string) (index.Index, bool)
}

// MapIndexSet is the common in-memory IndexSet backed by a plain map.
type MapIndexSet map[string]index.Index

func (m MapIndexSet) IndexFor(field string) (index.Index, bool) {
	idx, ok := m[field]
	return idx, ok
}

// Executor runs queries against one commit.Engine-backed store.
type Executor struct {
	commit    *commit.Engine
	cache     *cache.Cache
	mvs       mv.MetadataProvider
	mvRowCnt  func(name string) int64
}

// New builds an Executor over the given commit engine and cache, with an
// optional MV metadata provider (nil disables MV routing).
func New(commitEngine *commit.Engine, c *cache.Cache, mvs mv.MetadataProvider, mvRowCount func(name string) int64) *Executor {
	if mvRowCount == nil {
		mvRowCount = func(string) int64 { return 0 }
	}
	return &Executor{commit: commitEngine, cache: c, mvs: mvs, mvRowCnt: mvRowCount}
}

// Execute runs a query against namespace ns.
func (ex *Executor) Execute(ctx context.Context, ns string, schema entity.Schema, idx IndexSet, f filter.Filter, opts Options) (*Result, error) {
	if ex.mvs != nil {
		if res, ok, err := ex.tryMV(ctx, ns, f, opts); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}
	return ex.scanNamespace(ctx, ns, schema, idx, f, opts)
}

func (ex *Executor) tryMV(ctx context.Context, ns string, f filter.Filter, opts Options) (*Result, bool, error) {
	var candidates []mv.Candidate
	for _, meta := range ex.mvs.List() {
		candidates = append(candidates, mv.Candidate{Meta: meta, RowCount: ex.mvRowCnt(meta.Name)})
	}
	chosen, residual, ok := mv.Route(candidates, ns, map[string]interface{}(f), false)
	if !ok {
		return nil, false, nil
	}

	schema := entity.NewSchema([]struct {
		Name string
		Def  entity.ColumnDef
	}{
		{"$id", entity.ColumnDef{Type: entity.ColumnString}},
		{"$data", entity.ColumnDef{Type: entity.ColumnString}},
	})
	// residual is whatever of the query filter the MV's own filter
	// doesn't already cover; it must still run against the MV's rows.
	res, err := ex.scanNamespace(ctx, chosen.Name, schema, nil, filter.Filter(residual), opts)
	if err != nil {
		return nil, false, err
	}
	res.Stats.IndexUsed = "mv:" + chosen.Name
	return res, true, nil
}

func (ex *Executor) scanNamespace(ctx context.Context, ns string, schema entity.Schema, idx IndexSet, f filter.Filter, opts Options) (*Result, error) {
	snap, err := ex.commit.Snapshot(ctx, ns, -1)
	if err != nil {
		return nil, err
	}

	pred, err := filter.MakePredicate(f)
	if err != nil {
		return nil, err
	}

	candidateFiles := snap.Files
	stats := Stats{RowGroupsTotal: 0}
	usedIndexName := ex.pruneByIndex(idx, f, &stats)

	// Data-variant schemas only ever need $id and $data to evaluate a
	// predicate and reconstruct the entity, so the scan projects to those
	// columns; codec.ReadRowGroups still decodes each row in full and
	// drops the other columns.
	projection := variant.GetDataVariantColumns(schema)

	var allRows []map[string]interface{}
	for _, path := range candidateFiles {
		data, err := ex.cache.ReadParquet(ctx, ns, path, cache.ReadOptions{Type: cache.ContentData})
		if err != nil {
			return nil, err
		}
		meta, err := codec.ReadMetadata(data)
		if err != nil {
			return nil, err
		}
		ids := make([]int, len(meta.RowGroups))
		for i := range ids {
			ids[i] = i
		}
		stats.RowGroupsTotal += len(ids)
		stats.RowGroupsRead += len(ids)
		rows, err := codec.ReadRowGroups(data, ids, projection)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			stats.RowsScanned++
			doc := map[string]interface{}(row)
			if schema.IsDataVariant() {
				doc = variant.ReconstructEntity(row)
			}
			if pred(doc) {
				allRows = append(allRows, doc)
			}
		}
	}
	stats.IndexUsed = usedIndexName

	applySort(allRows, opts.Sort)
	allRows = applySkipLimit(allRows, opts.Skip, opts.Limit)
	allRows = applyProjection(allRows, opts.Project)
	stats.RowsReturned = len(allRows)

	return &Result{Rows: allRows, Stats: stats}, nil
}

// pruneByIndex inspects f's top-level equality clauses for a usable
// index; it only reports which index it would have used today (full
// Parquet scanning still happens above) since physical row-group
// skipping needs per-file bloom/min-max metadata wired by the caller's
// codec layer. Returning the index name lets callers observe planning
// decisions even while the scan itself remains conservative.
func (ex *Executor) pruneByIndex(idx IndexSet, f filter.Filter, stats *Stats) string {
	if idx == nil {
		return ""
	}
	for field, val := range f {
		if _, isOp := val.(map[string]interface{}); isOp {
			continue
		}
		if i, ok := idx.IndexFor(field); ok && i.Exists(val) {
			return field
		}
	}
	return ""
}

func applySort(rows []map[string]interface{}, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(rows[i][k.Field], rows[j][k.Field])
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b interface{}) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func applySkipLimit(rows []map[string]interface{}, skip, limit int) []map[string]interface{} {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func applyProjection(rows []map[string]interface{}, project []string) []map[string]interface{} {
	if len(project) == 0 {
		return rows
	}
	keep := make(map[string]bool, len(project))
	for _, p := range project {
		keep[p] = true
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		projected := make(map[string]interface{}, len(project))
		for k, v := range row {
			if keep[k] {
				projected[k] = v
			}
		}
		out[i] = projected
	}
	return out
}

// ValidateOptions rejects nonsensical option combinations early.
func ValidateOptions(opts Options) error {
	if opts.Limit < 0 {
		return dberr.New(dberr.KindInvalidInput, "limit must be >= 0, got %d", opts.Limit)
	}
	if opts.Skip < 0 {
		return dberr.New(dberr.KindInvalidInput, "skip must be >= 0, got %d", opts.Skip)
	}
	return nil
}
