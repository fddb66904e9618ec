package synthesis

import (
	"fmt"
	"log"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Synthesizer produces privacy-preserving synthetic records in one of four
// modes. Modes that read raw records (unseeded, row-seeded, value-seeded)
// guarantee every prefix of every emitted record has sensitive support at
// or above the reporting resolution; the aggregate-seeded mode reads only
// the reportable store and guarantees every prefix is a reported
// combination.
type Synthesizer struct {
	Block      *datablock.DataBlock
	Reportable *aggregator.Store // required by value_seeded and aggregate_seeded
	Cfg        *models.JobConfig
}

// Result carries the synthesis output: the records plus the leftover seed
// attributes that the consolidation planner packs into extra records.
type Result struct {
	Records       []models.Record
	AvailableAtts map[models.AttrID]int
	CacheHits     int64
	CacheMisses   int64
}

// WorkerRand derives a worker's deterministic random stream from the root
// seed. A single-threaded run with a fixed seed reproduces byte-identical
// output; parallel runs only reorder equally-weighted outcomes.
func WorkerRand(rootSeed int64, worker int) *rand.Rand {
	return rand.New(rand.NewSource(rootSeed + int64(worker)*0x9E3779B9))
}

// Run dispatches on the configured synthesis mode.
func (s *Synthesizer) Run() (*Result, error) {
	switch s.Cfg.SynthesisMode {
	case models.ModeUnseeded:
		return s.runUnseeded()
	case models.ModeRowSeeded:
		return s.runSeeded(false)
	case models.ModeValueSeeded:
		if s.Reportable == nil {
			return nil, fmt.Errorf("%w: value_seeded synthesis requires reportable aggregates", models.ErrConfigInvalid)
		}
		return s.runSeeded(true)
	case models.ModeAggregateSeeded:
		if s.Reportable == nil {
			return nil, fmt.Errorf("%w: aggregate_seeded synthesis requires reportable aggregates", models.ErrConfigInvalid)
		}
		return s.runAggregateSeeded()
	default:
		return nil, fmt.Errorf("%w: unknown synthesis mode %q", models.ErrConfigInvalid, s.Cfg.SynthesisMode)
	}
}

func (s *Synthesizer) newContext(worker int) *synthContext {
	sc := &synthContext{
		block:      s.Block,
		cache:      NewFilterCache(s.Cfg.CacheMaxSize, s.Cfg.MemoryLimitPct),
		rng:        WorkerRand(s.Cfg.RandomSeed, worker),
		resolution: s.Cfg.ReportingResolution,
	}
	if s.Reportable != nil {
		sc.repIDs = reportableIDMap(s.Block.Attributes(), s.Reportable)
	}
	return sc
}

// runUnseeded generates as many records as the sensitive input holds,
// splitting the target count into uniform chunks across workers and
// trimming the overshoot from the uniform split.
func (s *Synthesizer) runUnseeded() (*Result, error) {
	target := s.Block.NumRecords()
	jobs := s.Cfg.ParallelJobs
	if jobs < 1 {
		jobs = 1
	}
	chunk := (target + jobs - 1) / jobs
	emptyIDs := columnEmptyIDs(s.Block)

	results := make([][]models.Record, jobs)
	contexts := make([]*synthContext, jobs)
	var g errgroup.Group
	for w := 0; w < jobs; w++ {
		w := w
		sc := s.newContext(w)
		contexts[w] = sc
		g.Go(func() error {
			rows := make([]models.Record, 0, chunk)
			for i := 0; i < chunk; i++ {
				rows = append(rows, sc.synthesizeRowUnseeded(emptyIDs))
			}
			results[w] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for w, rows := range results {
		res.Records = append(res.Records, rows...)
		hits, misses, _ := contexts[w].cache.Utilization()
		res.CacheHits += hits
		res.CacheMisses += misses
	}
	if len(res.Records) > target {
		res.Records = res.Records[:target]
	}
	s.logRun("unseeded", res)
	return res, nil
}

// runSeeded maps every sensitive record to a privacy-safe projection of
// itself. With oversampling enabled, each record is then grown beyond its
// seed attributes under reportable-store guidance, and extra records are
// emitted up to the configured ratio of synthetic to sensitive records.
// Each seed record gives at most one extra-record attempt and a failed
// attempt is not retried, so a ratio above 2 is never reached and fewer
// extras are emitted when attempts fail.
func (s *Synthesizer) runSeeded(oversample bool) (*Result, error) {
	records := s.Block.Records()
	n := len(records)
	jobs := s.Cfg.ParallelJobs
	if jobs < 1 {
		jobs = 1
	}
	if jobs > n && n > 0 {
		jobs = n
	}
	chunk := (n + jobs - 1) / jobs

	type shardResult struct {
		rows      []models.Record
		available map[models.AttrID]int
		hits      int64
		misses    int64
	}
	shards := make([]shardResult, jobs)

	var g errgroup.Group
	for w := 0; w < jobs; w++ {
		w := w
		lo := w * chunk
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		sc := s.newContext(w)
		g.Go(func() error {
			sr := shardResult{available: make(map[models.AttrID]int)}
			seeds := records[lo:hi]
			extraBudget := 0
			if oversample && s.Cfg.OversamplingRatio > 1 {
				extraBudget = int((s.Cfg.OversamplingRatio - 1) * float64(len(seeds)))
			}
			for _, seed := range seeds {
				filters, leftover := sc.synthesizeRowSeeded(seed)
				for _, a := range leftover {
					sr.available[a]++
				}
				if oversample && len(filters) > 0 {
					filters = sc.oversampleRecord(filters, s.Reportable, s.Cfg.OversamplingTries)
				}
				if len(filters) > 0 {
					sr.rows = append(sr.rows, filters)
				}
				if extraBudget > 0 {
					extra := sc.oversampleRecord(nil, s.Reportable, s.Cfg.OversamplingTries)
					if len(extra) > 0 {
						sr.rows = append(sr.rows, extra)
						extraBudget--
					}
				}
			}
			sr.hits, sr.misses, _ = sc.cache.Utilization()
			shards[w] = sr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{AvailableAtts: make(map[models.AttrID]int)}
	for _, sr := range shards {
		res.Records = append(res.Records, sr.rows...)
		for a, c := range sr.available {
			res.AvailableAtts[a] += c
		}
		res.CacheHits += sr.hits
		res.CacheMisses += sr.misses
	}

	// Leftovers below the privacy floor can never be re-emitted; drop them
	// before consolidation sees the multiset.
	for a := range res.AvailableAtts {
		if s.Block.AttributeCount(a) < s.Cfg.ReportingResolution {
			delete(res.AvailableAtts, a)
		}
	}
	mode := "row_seeded"
	if oversample {
		mode = "value_seeded"
	}
	s.logRun(mode, res)
	return res, nil
}

// runAggregateSeeded draws records from the reportable store alone,
// targeting its protected record count. This mode runs serially — its only
// state is the residual weight map, which every draw updates.
func (s *Synthesizer) runAggregateSeeded() (*Result, error) {
	rng := WorkerRand(s.Cfg.RandomSeed, 0)
	records := synthesizeAggregateSeeded(s.Reportable, s.Cfg.UseSyntheticCounts, s.Reportable.RecordCount, rng)

	// Aggregate-seeded records carry reportable-store ids; map them back
	// onto the block's intern table so downstream passes share one id space.
	blockIDs := make(map[models.AttrID]models.AttrID)
	for blockID, repID := range reportableIDMap(s.Block.Attributes(), s.Reportable) {
		blockIDs[repID] = blockID
	}
	mapped := make([]models.Record, 0, len(records))
	for _, rec := range records {
		out := make(models.Record, 0, len(rec))
		for _, a := range rec {
			if bid, ok := blockIDs[a]; ok {
				out = append(out, bid)
			}
		}
		if len(out) > 0 {
			s.Block.SortCombo(out)
			mapped = append(mapped, out)
		}
	}
	res := &Result{Records: mapped}
	s.logRun("aggregate_seeded", res)
	return res, nil
}

func (s *Synthesizer) logRun(mode string, res *Result) {
	total := res.CacheHits + res.CacheMisses
	util := 0.0
	if total > 0 {
		util = 100 * float64(res.CacheHits) / float64(total)
	}
	log.Printf("[Synthesizer] %s: emitted %d records, cache utilization %.1f%%", mode, len(res.Records), util)
}
