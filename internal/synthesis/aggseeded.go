package synthesis

import (
	"math/rand"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// aggExtension is one way to grow a prefix inside the reportable store.
type aggExtension struct {
	attr  models.AttrID
	count int
}

// aggSampler synthesizes records from the reportable aggregates alone —
// the raw records are never read, so every emitted prefix is by
// construction a reported combination. Extensions of a prefix are the
// stored super-combinations one attribute longer, weighted by their
// reported counts, or by the residual need (reported minus already
// emitted) when synthetic counts are enabled.
type aggSampler struct {
	store      *aggregator.Store
	rng        *rand.Rand
	extensions map[string][]aggExtension
	emitted    map[string]int
	useEmitted bool
}

func newAggSampler(store *aggregator.Store, useSyntheticCounts bool, rng *rand.Rand) *aggSampler {
	s := &aggSampler{
		store:      store,
		rng:        rng,
		extensions: make(map[string][]aggExtension),
		useEmitted: useSyntheticCounts,
	}
	if useSyntheticCounts {
		s.emitted = make(map[string]int)
	}

	// Index every stored combination under each of its length-1 parents.
	parent := make([]models.AttrID, 0, store.Lengths())
	for k := 1; k <= store.Lengths(); k++ {
		for _, agg := range store.AtLength(k) {
			for drop := range agg.Combo {
				parent = parent[:0]
				parent = append(parent, agg.Combo[:drop]...)
				parent = append(parent, agg.Combo[drop+1:]...)
				key := aggregator.ComboKey(parent)
				s.extensions[key] = append(s.extensions[key], aggExtension{
					attr:  agg.Combo[drop],
					count: agg.Count,
				})
			}
		}
	}
	return s
}

// weightOf returns the sampling weight of extending prefix with ext.
func (s *aggSampler) weightOf(prefix models.Record, ext aggExtension) int {
	if !s.useEmitted {
		return ext.count
	}
	extended := make([]models.AttrID, 0, len(prefix)+1)
	extended = append(extended, prefix...)
	extended = append(extended, ext.attr)
	s.store.SortCombo(extended)
	w := ext.count - s.emitted[aggregator.ComboKey(extended)]
	if w < 0 {
		return 0
	}
	return w
}

// nextRecord builds one synthetic record, or returns false when no root
// extension has residual weight left.
func (s *aggSampler) nextRecord() (models.Record, bool) {
	var prefix models.Record
	for len(prefix) < s.store.Lengths() {
		exts := s.extensions[aggregator.ComboKey(prefix)]
		total := 0
		weights := make([]int, len(exts))
		for i, e := range exts {
			weights[i] = s.weightOf(prefix, e)
			total += weights[i]
		}
		if total == 0 {
			break
		}
		r := s.rng.Intn(total)
		picked := -1
		for i, w := range weights {
			if w == 0 {
				continue
			}
			if r < w {
				picked = i
				break
			}
			r -= w
		}
		if picked < 0 {
			break
		}
		prefix = append(prefix, exts[picked].attr)
		s.store.SortCombo(prefix)
	}
	if len(prefix) == 0 {
		return nil, false
	}
	if s.useEmitted {
		buf := make([]models.AttrID, s.store.Lengths())
		for k := 1; k <= s.store.Lengths() && k <= len(prefix); k++ {
			aggregator.ForEachCombo(prefix, k, buf, func(combo []models.AttrID) {
				s.emitted[aggregator.ComboKey(combo)]++
			})
		}
	}
	return prefix, true
}

// synthesizeAggregateSeeded emits up to target records from the reportable
// store. The run stops early once residual weights dry up when synthetic
// counts are enabled.
func synthesizeAggregateSeeded(store *aggregator.Store, useSyntheticCounts bool, target int, rng *rand.Rand) []models.Record {
	sampler := newAggSampler(store, useSyntheticCounts, rng)
	records := make([]models.Record, 0, target)
	for i := 0; i < target; i++ {
		rec, ok := sampler.nextRecord()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	return records
}
