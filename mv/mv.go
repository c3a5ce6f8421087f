// Package mv implements materialized-view registration and the routing
// logic that lets the query executor prefer a usable, fresh MV over
// scanning the source namespace directly. Grounded on the teacher's
// registry-style components (simple concurrent-map-backed lookup
// tables), built here on github.com/orcaman/concurrent-map/v2 as used
// elsewhere in the retrieval pack for similar in-memory registries.
package mv

import (
	"reflect"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/evalgo-org/storedb/dberr"
	"github.com/evalgo-org/storedb/entity"
)

// MetadataProvider is the registry of known materialized views.
type MetadataProvider interface {
	RegisterMV(meta entity.MVMetadata) error
	Get(name string) (entity.MVMetadata, bool)
	List() []entity.MVMetadata
	MarkStaleness(name string, state entity.StalenessState, usable bool)
}

// InMemoryMVMetadataProvider is the default, process-local implementation.
type InMemoryMVMetadataProvider struct {
	views cmap.ConcurrentMap[string, entity.MVMetadata]
}

// NewInMemoryMVMetadataProvider builds an empty provider.
func NewInMemoryMVMetadataProvider() *InMemoryMVMetadataProvider {
	return &InMemoryMVMetadataProvider{views: cmap.New[entity.MVMetadata]()}
}

// RegisterMV adds or replaces meta's entry.
func (p *InMemoryMVMetadataProvider) RegisterMV(meta entity.MVMetadata) error {
	if meta.Name == "" {
		return dberr.New(dberr.KindInvalidInput, "materialized view name must not be empty")
	}
	if meta.Definition.From == "" {
		return dberr.New(dberr.KindInvalidInput, "materialized view %q must name a source namespace", meta.Name)
	}
	p.views.Set(meta.Name, meta)
	return nil
}

func (p *InMemoryMVMetadataProvider) Get(name string) (entity.MVMetadata, bool) {
	return p.views.Get(name)
}

func (p *InMemoryMVMetadataProvider) List() []entity.MVMetadata {
	out := make([]entity.MVMetadata, 0, p.views.Count())
	for item := range p.views.IterBuffered() {
		out = append(out, item.Val)
	}
	return out
}

func (p *InMemoryMVMetadataProvider) MarkStaleness(name string, state entity.StalenessState, usable bool) {
	if meta, ok := p.views.Get(name); ok {
		meta.StalenessState = state
		meta.Usable = usable
		p.views.Set(name, meta)
	}
}

// Candidate is one MV considered by Route, along with a row-count
// estimate used as the final tiebreak.
type Candidate struct {
	Meta     entity.MVMetadata
	RowCount int64
}

// routed is an eligible candidate paired with the residual filter that
// must still be applied to its rows to reproduce the query against the
// source namespace.
type routed struct {
	Candidate
	residual map[string]interface{}
}

// Route selects the best usable MV serving namespace ns under filter, or
// reports ok=false when no MV qualifies and the caller should fall back
// to scanning the source namespace directly.
//
// Disqualifiers: the MV's own filter cannot be expressed as a subset of
// queryFilter (so the MV would be missing rows the query needs, or
// constrains a field the query leaves unconstrained), the query requests
// row-shaped results but the MV is an aggregation (or vice versa), or the
// MV is both stale and unusable.
//
// Preference order: an MV whose filter exactly matches the query filter
// (empty residual), then fresher over staler, then smaller RowCount over
// larger. The residual — whatever of queryFilter the MV's own filter
// doesn't already account for — must be applied by the caller as a
// post-filter over the MV's rows.
func Route(candidates []Candidate, ns string, queryFilter map[string]interface{}, wantAggregation bool) (entity.MVMetadata, map[string]interface{}, bool) {
	var eligible []routed
	for _, c := range candidates {
		if c.Meta.Definition.From != ns {
			continue
		}
		if c.Meta.Definition.IsAggregation() != wantAggregation {
			continue
		}
		if c.Meta.StalenessState == entity.StalenessStale && !c.Meta.Usable {
			continue
		}
		if c.Meta.StalenessState == entity.StalenessInvalid {
			continue
		}
		residual, ok := subsetResidual(c.Meta.Definition.Filter, queryFilter)
		if !ok {
			continue
		}
		eligible = append(eligible, routed{Candidate: c, residual: residual})
	}
	if len(eligible) == 0 {
		return entity.MVMetadata{}, nil, false
	}

	exactMatches := make([]routed, 0, len(eligible))
	for _, c := range eligible {
		if len(c.residual) == 0 {
			exactMatches = append(exactMatches, c)
		}
	}
	pool := eligible
	if len(exactMatches) > 0 {
		pool = exactMatches
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if better(c.Candidate, best.Candidate) {
			best = c
		}
	}
	return best.Meta, best.residual, true
}

func better(a, b Candidate) bool {
	aFresh := a.Meta.StalenessState == entity.StalenessFresh
	bFresh := b.Meta.StalenessState == entity.StalenessFresh
	if aFresh != bFresh {
		return aFresh
	}
	return a.RowCount < b.RowCount
}

// subsetResidual reports whether mvFilter's constraints are already
// implied by queryFilter — every field mvFilter pins down must be pinned
// to the identical value in queryFilter, since an MV only ever contains
// the rows matching its own filter and can't serve a query that wants a
// different or unconstrained value for one of those fields. When it can,
// it returns the remainder of queryFilter (the fields the MV's filter
// doesn't already cover) that the caller must still apply as a
// post-filter over the MV's rows.
//
// Operator-keyed top-level filters ($and, $or, $nor, ...) aren't
// decomposed field-by-field; an MV defined with one is only routable
// when its filter matches queryFilter exactly.
func subsetResidual(mvFilter, queryFilter map[string]interface{}) (map[string]interface{}, bool) {
	for k := range mvFilter {
		if len(k) > 0 && k[0] == '$' {
			if filtersEqual(mvFilter, queryFilter) {
				return map[string]interface{}{}, true
			}
			return nil, false
		}
	}

	for k, v := range mvFilter {
		qv, present := queryFilter[k]
		if !present || !reflect.DeepEqual(qv, v) {
			return nil, false
		}
	}

	residual := make(map[string]interface{})
	for k, v := range queryFilter {
		if mvv, ok := mvFilter[k]; ok && reflect.DeepEqual(mvv, v) {
			continue
		}
		residual[k] = v
	}
	return residual, true
}

func filtersEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
