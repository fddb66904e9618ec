package synthesis

import (
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Consolidate packs the remaining attribute budget into additional
// synthetic records. Each attribute's budget is split across workers so
// that the shares sum to it (each share is the floor or the ceiling of an
// even split); each worker repeatedly samples privacy-safe records from its share until
// nothing remains. Workers are independent — separate caches, separate
// random streams — and their records are merged serially.
func Consolidate(block *datablock.DataBlock, budget map[models.AttrID]int, cfg *models.JobConfig, rootSeed int64) []models.Record {
	if len(budget) == 0 {
		return nil
	}
	jobs := cfg.ParallelJobs
	if jobs < 1 {
		jobs = 1
	}

	attrs := sortedBudgetAttrs(block, budget)
	shares := make([]map[models.AttrID]int, jobs)
	for w := range shares {
		share := make(map[models.AttrID]int, len(attrs))
		for _, a := range attrs {
			v := budget[a] / jobs
			if w < budget[a]%jobs {
				v++
			}
			if v > 0 {
				share[a] = v
			}
		}
		shares[w] = share
	}

	results := make([][]models.Record, jobs)
	var g errgroup.Group
	for w := 0; w < jobs; w++ {
		w := w
		g.Go(func() error {
			sc := &synthContext{
				block:      block,
				cache:      NewFilterCache(cfg.CacheMaxSize, cfg.MemoryLimitPct),
				rng:        WorkerRand(rootSeed, 1000+w),
				resolution: cfg.ReportingResolution,
			}
			results[w] = sc.consolidateShare(shares[w])
			return nil
		})
	}
	_ = g.Wait()

	var out []models.Record
	for _, rs := range results {
		out = append(out, rs...)
	}
	log.Printf("[Consolidator] packed residual attributes into %d additional records", len(out))
	return out
}

// consolidateShare drains one worker's budget share into records.
func (sc *synthContext) consolidateShare(share map[models.AttrID]int) []models.Record {
	var records []models.Record
	for len(share) > 0 {
		rec := sc.consolidateRecord(share)
		if len(rec) == 0 {
			break
		}
		records = append(records, rec)
	}
	return records
}

// consolidateRecord samples one record from the attributes with remaining
// budget, keeping every prefix at or above the privacy floor. Sampled
// attributes have their budget decremented; exhausted attributes become
// disallowed for the rest of the record.
func (sc *synthContext) consolidateRecord(share map[models.AttrID]int) models.Record {
	var filters models.Record
	disallowed := make(map[models.AttrID]bool, len(sc.block.Attributes()))
	for id := range sc.block.Attributes() {
		if share[models.AttrID(id)] <= 0 {
			disallowed[models.AttrID(id)] = true
		}
	}

	for {
		counts := sc.residualCounts(filters, disallowed, nil)
		next, ok := sc.sampleFromCounts(counts, true)
		if !ok {
			return filters
		}
		if share[next] <= 1 {
			delete(share, next)
			disallowed[next] = true
		} else {
			share[next]--
		}
		filters = sc.extend(filters, next)
	}
}
