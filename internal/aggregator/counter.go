package aggregator

import (
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// shardAgg accumulates one combination inside a worker shard. Subject and
// event sets are only allocated in two-level mode; plain counting keeps a
// bare record counter.
type shardAgg struct {
	combo    []models.AttrID
	records  int
	subjects map[int32]struct{}
	events   map[int32]struct{}
}

// Count enumerates every attribute combination of length 1..reportingLength
// occurring in at least one record and returns the populated sensitive
// store. Records are partitioned across parallelJobs workers; each worker
// builds a local map which is merged by summation (union for subject and
// event sets). Merge order does not affect the result.
func Count(block *datablock.DataBlock, reportingLength, parallelJobs int) (*Store, error) {
	records := block.Records()
	n := len(records)
	if parallelJobs < 1 {
		parallelJobs = 1
	}
	if parallelJobs > n && n > 0 {
		parallelJobs = n
	}

	twoLevel := block.TwoLevel()
	shards := make([]map[string]*shardAgg, parallelJobs)

	var g errgroup.Group
	chunk := (n + parallelJobs - 1) / parallelJobs
	for w := 0; w < parallelJobs; w++ {
		w := w
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			shards[w] = map[string]*shardAgg{}
			continue
		}
		g.Go(func() error {
			local := make(map[string]*shardAgg)
			buf := make([]models.AttrID, reportingLength)
			for rid := lo; rid < hi; rid++ {
				rec := records[rid]
				maxK := reportingLength
				if len(rec) < maxK {
					maxK = len(rec)
				}
				for k := 1; k <= maxK; k++ {
					ForEachCombo(rec, k, buf, func(combo []models.AttrID) {
						key := ComboKey(combo)
						agg, ok := local[key]
						if !ok {
							stored := make([]models.AttrID, len(combo))
							copy(stored, combo)
							agg = &shardAgg{combo: stored}
							if twoLevel {
								agg.subjects = make(map[int32]struct{})
								agg.events = make(map[int32]struct{})
							}
							local[key] = agg
						}
						agg.records++
						if twoLevel {
							agg.subjects[block.Subject(rid)] = struct{}{}
							agg.events[block.Event(rid)] = struct{}{}
						}
					})
				}
			}
			shards[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	store := NewStore(block.Attributes(), reportingLength)
	store.RecordCount = n
	store.TwoLevel = twoLevel
	if twoLevel {
		store.SubjectCount = block.NumSubjects()
	}

	merged := make(map[string]*shardAgg)
	for _, local := range shards {
		for key, agg := range local {
			dst, ok := merged[key]
			if !ok {
				merged[key] = agg
				continue
			}
			dst.records += agg.records
			if twoLevel {
				for s := range agg.subjects {
					dst.subjects[s] = struct{}{}
				}
				for e := range agg.events {
					dst.events[e] = struct{}{}
				}
			}
		}
	}

	total := 0
	for _, agg := range merged {
		out := &Aggregate{Combo: agg.combo}
		if twoLevel {
			out.Count = len(agg.subjects)
			out.EventCount = len(agg.events)
		} else {
			out.Count = agg.records
		}
		store.Put(out)
		total++
	}
	log.Printf("[Aggregator] counted %d distinct combinations up to length %d across %d records", total, reportingLength, n)
	return store, nil
}

// CountRecords counts combinations over an arbitrary record list sharing
// the block's intern table — used to re-aggregate synthetic output for
// evaluation. Counting is always record-scoped here: synthetic records
// carry no subject or event identity.
func CountRecords(block *datablock.DataBlock, records []models.Record, reportingLength, parallelJobs int) (*Store, error) {
	n := len(records)
	if parallelJobs < 1 {
		parallelJobs = 1
	}
	if parallelJobs > n && n > 0 {
		parallelJobs = n
	}

	shards := make([]map[string]*Aggregate, parallelJobs)
	var g errgroup.Group
	chunk := (n + parallelJobs - 1) / parallelJobs
	for w := 0; w < parallelJobs; w++ {
		w := w
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			shards[w] = map[string]*Aggregate{}
			continue
		}
		g.Go(func() error {
			local := make(map[string]*Aggregate)
			buf := make([]models.AttrID, reportingLength)
			for _, rec := range records[lo:hi] {
				maxK := reportingLength
				if len(rec) < maxK {
					maxK = len(rec)
				}
				for k := 1; k <= maxK; k++ {
					ForEachCombo(rec, k, buf, func(combo []models.AttrID) {
						key := ComboKey(combo)
						agg, ok := local[key]
						if !ok {
							stored := make([]models.AttrID, len(combo))
							copy(stored, combo)
							agg = &Aggregate{Combo: stored}
							local[key] = agg
						}
						agg.Count++
					})
				}
			}
			shards[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	store := NewStore(block.Attributes(), reportingLength)
	store.RecordCount = n
	for _, local := range shards {
		for _, agg := range local {
			if existing, ok := store.Get(agg.Combo); ok {
				existing.Count += agg.Count
			} else {
				store.Put(agg)
			}
		}
	}
	return store, nil
}

// ForEachCombo streams every k-subset of a canonically sorted record into
// visit, reusing buf (len >= k) as scratch. Subsets of a sorted record are
// emitted already canonical, so no per-combination sort is needed. The
// slice passed to visit is reused between calls; visit must copy if it
// keeps the combination.
func ForEachCombo(rec models.Record, k int, buf []models.AttrID, visit func([]models.AttrID)) {
	if k <= 0 || k > len(rec) {
		return
	}
	if k == len(rec) {
		visit(rec)
		return
	}
	combo := buf[:k]
	var walk func(start, depth int)
	walk = func(start, depth int) {
		if depth == k {
			visit(combo)
			return
		}
		for i := start; i <= len(rec)-(k-depth); i++ {
			combo[depth] = rec[i]
			walk(i+1, depth+1)
		}
	}
	walk(0, 0)
}
