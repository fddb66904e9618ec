package synthesis

import (
	"log"
	"math/rand"
	"sort"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Reconcile suppresses over-represented attributes so that no single
// attribute appears in the synthetic output more often than its reportable
// count. Records are visited in shuffled order and lose one occurrence at a
// time until every excess reaches zero; records emptied by suppression are
// dropped. Under-represented attributes are left alone here — additions
// are the consolidation planner's job.
//
// Returns the surviving records and the number of suppressions per
// attribute (block ids).
func Reconcile(records []models.Record, block *datablock.DataBlock, reportable *aggregator.Store, rng *rand.Rand) ([]models.Record, map[models.AttrID]int) {
	repIDs := reportableIDMap(block.Attributes(), reportable)

	observed := make(map[models.AttrID]int)
	for _, rec := range records {
		for _, a := range rec {
			observed[a]++
		}
	}

	excess := make(map[models.AttrID]int)
	for a, n := range observed {
		allowed := 0
		if rid, ok := repIDs[a]; ok {
			allowed = reportable.CountOf([]models.AttrID{rid})
		}
		if n > allowed {
			excess[a] = n - allowed
		}
	}
	if len(excess) == 0 {
		return records, nil
	}

	shuffled := make([]models.Record, len(records))
	copy(shuffled, records)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	suppressed := make(map[models.AttrID]int)
	out := make([]models.Record, 0, len(shuffled))
	for _, rec := range shuffled {
		kept := rec[:0:0]
		for _, a := range rec {
			if excess[a] > 0 {
				excess[a]--
				if excess[a] == 0 {
					delete(excess, a)
				}
				suppressed[a]++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}

	if len(suppressed) > 0 {
		total := 0
		for _, n := range suppressed {
			total += n
		}
		log.Printf("[Reconciler] suppressed %d attribute occurrences across %d attributes", total, len(suppressed))
	}
	return out, suppressed
}

// ConsolidationBudget computes how many additional occurrences of each
// attribute new records may carry: the gap between the reportable count and
// the observed synthetic count, limited to attributes that either had
// leftover seed occurrences or a positive reporting adjustment, and whose
// sensitive support clears the privacy floor.
func ConsolidationBudget(records []models.Record, block *datablock.DataBlock, reportable *aggregator.Store, availableAtts map[models.AttrID]int, resolution int) map[models.AttrID]int {
	repIDs := reportableIDMap(block.Attributes(), reportable)

	observed := make(map[models.AttrID]int)
	for _, rec := range records {
		for _, a := range rec {
			observed[a]++
		}
	}

	budget := make(map[models.AttrID]int)
	consider := func(a models.AttrID) {
		if _, done := budget[a]; done {
			return
		}
		if block.AttributeCount(a) < resolution {
			return
		}
		rid, ok := repIDs[a]
		if !ok {
			return
		}
		gap := reportable.CountOf([]models.AttrID{rid}) - observed[a]
		if gap > 0 {
			budget[a] = gap
		}
	}
	for a := range availableAtts {
		consider(a)
	}
	for id := range block.Attributes() {
		consider(models.AttrID(id))
	}
	return budget
}

// sortedBudgetAttrs returns budget keys in canonical order for
// deterministic partitioning.
func sortedBudgetAttrs(block *datablock.DataBlock, budget map[models.AttrID]int) []models.AttrID {
	attrs := make([]models.AttrID, 0, len(budget))
	for a := range budget {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return block.Less(attrs[i], attrs[j]) })
	return attrs
}
