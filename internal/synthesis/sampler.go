package synthesis

import (
	"math/rand"
	"sort"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// nullOption marks the "no attribute" sampling outcome in a weighted draw.
const nullOption models.AttrID = -1

// synthContext bundles the per-worker state shared by every synthesis mode:
// the immutable data block, the worker's private filter cache, and the
// worker's deterministic random stream.
type synthContext struct {
	block      *datablock.DataBlock
	cache      *FilterCache
	rng        *rand.Rand
	resolution int

	// repIDs maps block attribute ids into the reportable store's intern
	// table; populated only for modes that consult reportable aggregates.
	repIDs map[models.AttrID]models.AttrID
}

// attrCount is one weighted sampling option. Slices of attrCount are built
// in a fixed order (canonical order in residualCounts, per-column intern
// order with the empty option last in unseeded synthesis) so cumulative
// draws are deterministic for a fixed random stream.
type attrCount struct {
	id    models.AttrID
	count int
}

// residualIDs resolves the record-id set matching a canonical filter
// combination, through the cache. An empty filter means every record; that
// case is returned as (nil, true) and never cached.
func (sc *synthContext) residualIDs(filters []models.AttrID) (ids []int32, all bool) {
	if len(filters) == 0 {
		return nil, true
	}
	key := aggregator.ComboKey(filters)
	if cached, ok := sc.cache.Get(key); ok {
		return cached, false
	}
	// Intersect in ascending support order to keep intermediates small.
	sorted := make([]models.AttrID, len(filters))
	copy(sorted, filters)
	sort.Slice(sorted, func(i, j int) bool {
		return sc.block.AttributeCount(sorted[i]) < sc.block.AttributeCount(sorted[j])
	})
	ids = sc.block.RecordsContaining(sorted[0])
	for _, a := range sorted[1:] {
		ids = datablock.IntersectSorted(ids, sc.block.RecordsContaining(a))
	}
	sc.cache.Put(key, ids)
	return ids, false
}

// supportOf counts the records matching filters extended by one attribute,
// through the cache.
func (sc *synthContext) supportOf(filters []models.AttrID, residual []int32, all bool, a models.AttrID) int {
	extended := sc.extend(filters, a)
	key := aggregator.ComboKey(extended)
	if cached, ok := sc.cache.Get(key); ok {
		return len(cached)
	}
	var ids []int32
	if all {
		ids = sc.block.RecordsContaining(a)
	} else {
		ids = datablock.IntersectSorted(residual, sc.block.RecordsContaining(a))
	}
	sc.cache.Put(key, ids)
	return len(ids)
}

// residualCounts computes the support of every candidate attribute under
// the current filters. Candidates come from the seed record when one is
// given, otherwise from every attribute; attributes already filtered on,
// attributes sharing a column with the filters, and disallowed attributes
// are skipped. Only candidates with support at or above the privacy floor
// are returned.
func (sc *synthContext) residualCounts(filters []models.AttrID, disallowed map[models.AttrID]bool, seed models.Record) []attrCount {
	residual, all := sc.residualIDs(filters)

	usedColumns := make(map[string]bool, len(filters))
	for _, f := range filters {
		usedColumns[sc.block.Attribute(f).Column] = true
	}

	var candidates []models.AttrID
	if seed != nil {
		candidates = seed
	} else {
		n := len(sc.block.Attributes())
		candidates = make([]models.AttrID, n)
		for i := range candidates {
			candidates[i] = models.AttrID(i)
		}
	}

	counts := make([]attrCount, 0, len(candidates))
	for _, a := range candidates {
		if disallowed[a] || usedColumns[sc.block.Attribute(a).Column] {
			continue
		}
		if n := sc.supportOf(filters, residual, all, a); n >= sc.resolution {
			counts = append(counts, attrCount{id: a, count: n})
		}
	}
	sort.Slice(counts, func(i, j int) bool { return sc.block.Less(counts[i].id, counts[j].id) })
	return counts
}

// sampleFromCounts draws one option proportionally to its count. With
// preferNonNull set, a draw that lands on nullOption is redrawn, which is
// the same as drawing from the non-null options alone; nullOption is then
// returned only when it is the sole option with a positive count.
// Returns false when every count is zero.
func (sc *synthContext) sampleFromCounts(counts []attrCount, preferNonNull bool) (models.AttrID, bool) {
	total, nonNull := 0, 0
	for _, c := range counts {
		total += c.count
		if c.id != nullOption {
			nonNull += c.count
		}
	}
	if total == 0 {
		return 0, false
	}
	skipNull := preferNonNull && nonNull > 0
	if skipNull {
		total = nonNull
	}
	r := sc.rng.Float64() * float64(total)
	cumulative := 0.0
	picked := nullOption
	found := false
	for _, c := range counts {
		if c.count == 0 || (skipNull && c.id == nullOption) {
			continue
		}
		cumulative += float64(c.count)
		picked = c.id
		found = true
		if r < cumulative {
			break
		}
	}
	if !found {
		return 0, false
	}
	return picked, true
}

// extend returns a new canonical combination of filters plus one attribute.
func (sc *synthContext) extend(filters []models.AttrID, a models.AttrID) []models.AttrID {
	out := make([]models.AttrID, 0, len(filters)+1)
	out = append(out, filters...)
	out = append(out, a)
	sc.block.SortCombo(out)
	return out
}
