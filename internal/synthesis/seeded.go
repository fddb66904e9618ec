package synthesis

import (
	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// synthesizeRowSeeded walks one sensitive record and emits the largest
// privacy-safe projection of it: attributes are sampled from the seed's
// residual counts until no candidate keeps the prefix at or above the
// privacy floor. The unused seed attributes are returned for the
// consolidation pass.
func (sc *synthContext) synthesizeRowSeeded(seed models.Record) (filters models.Record, leftover []models.AttrID) {
	for {
		counts := sc.residualCounts(filters, nil, seed)
		next, ok := sc.sampleFromCounts(counts, len(filters) == 0)
		if !ok {
			break
		}
		filters = sc.extend(filters, next)
	}

	if len(filters) < len(seed) {
		used := make(map[models.AttrID]bool, len(filters))
		for _, a := range filters {
			used[a] = true
		}
		for _, a := range seed {
			if !used[a] {
				leftover = append(leftover, a)
			}
		}
	}
	return filters, leftover
}

// oversampleRecord extends a synthesized record beyond its seed attributes,
// guided by the reportable store: a candidate is only accepted when it and
// its pairings with the existing attributes all survive in the reportable
// aggregates, so every reported prefix of the grown record stays above the
// reporting floor. At most `tries` failed draws are spent.
func (sc *synthContext) oversampleRecord(filters models.Record, reportable *aggregator.Store, tries int) models.Record {
	disallowed := make(map[models.AttrID]bool)
	for t := 0; t < tries; {
		counts := sc.residualCounts(filters, disallowed, nil)
		next, ok := sc.sampleFromCounts(counts, true)
		if !ok {
			break
		}
		if !sc.reportableSupports(reportable, filters, next) {
			disallowed[next] = true
			t++
			continue
		}
		filters = sc.extend(filters, next)
	}
	return filters
}

// reportableSupports checks that attribute a extends filters without
// leaving the reportable store: a itself must be reported, and every pair
// it forms with the current attributes must be reported when pairs are
// within the reporting length. Reportable stores only hold protected
// counts, so membership implies the count is at or above the floor.
func (sc *synthContext) reportableSupports(reportable *aggregator.Store, filters models.Record, a models.AttrID) bool {
	aID, ok := sc.repIDs[a]
	if !ok {
		return false
	}
	if reportable.CountOf([]models.AttrID{aID}) == 0 {
		return false
	}
	if reportable.Lengths() < 2 {
		return true
	}
	for _, f := range filters {
		fID, ok := sc.repIDs[f]
		if !ok {
			return false
		}
		pair := []models.AttrID{aID, fID}
		reportable.SortCombo(pair)
		if reportable.CountOf(pair) == 0 {
			return false
		}
	}
	return true
}

// reportableIDMap maps block attribute ids onto the reportable store's
// intern table, which may have been rebuilt from a serialized form and so
// need not share id assignments with the block.
func reportableIDMap(blockAttrs []models.Attribute, store *aggregator.Store) map[models.AttrID]models.AttrID {
	byAttr := make(map[models.Attribute]models.AttrID, len(store.Attrs))
	for id, sa := range store.Attrs {
		byAttr[sa] = models.AttrID(id)
	}
	out := make(map[models.AttrID]models.AttrID, len(blockAttrs))
	for id, a := range blockAttrs {
		if sid, ok := byAttr[a]; ok {
			out[models.AttrID(id)] = sid
		}
	}
	return out
}
