package synthesis

import (
	"fmt"
	"testing"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/internal/protect"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// sampleBlock builds a 12-record dataset with two well-supported column
// values each plus one rare attribute (X,z) carried by only two records.
func sampleBlock(t *testing.T) *datablock.DataBlock {
	t.Helper()
	table := &models.RowTable{
		Columns: []string{"A", "B", "X"},
		Rows: [][]string{
			{"1", "x", ""},
			{"1", "x", ""},
			{"1", "x", ""},
			{"1", "y", ""},
			{"1", "y", ""},
			{"2", "x", ""},
			{"2", "x", ""},
			{"2", "y", ""},
			{"2", "y", ""},
			{"2", "y", ""},
			{"1", "x", "z"},
			{"2", "y", "z"},
		},
	}
	cfg := &models.JobConfig{}
	cfg.ApplyDefaults()
	block, err := datablock.FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}
	return block
}

func synthConfig(mode models.SynthesisMode, resolution int) *models.JobConfig {
	cfg := &models.JobConfig{
		SynthesisMode:       mode,
		ReportingResolution: resolution,
		ParallelJobs:        1,
		RandomSeed:          99,
	}
	cfg.ApplyDefaults()
	return cfg
}

func reportableFor(t *testing.T, block *datablock.DataBlock, length, resolution int) *aggregator.Store {
	t.Helper()
	sensitive, err := aggregator.Count(block, length, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	return protect.KAnonymize(sensitive, resolution)
}

// sensitiveSupport counts the records containing every attribute of combo.
func sensitiveSupport(block *datablock.DataBlock, combo models.Record) int {
	if len(combo) == 0 {
		return block.NumRecords()
	}
	ids := block.RecordsContaining(combo[0])
	for _, a := range combo[1:] {
		ids = datablock.IntersectSorted(ids, block.RecordsContaining(a))
	}
	return len(ids)
}

func TestFilterCacheLRUEviction(t *testing.T) {
	cache := NewFilterCache(2, 100)
	cache.Put("a", []int32{1})
	cache.Put("b", []int32{2})
	cache.Put("c", []int32{3}) // evicts "a"

	if _, ok := cache.Get("a"); ok {
		t.Errorf("Expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("b"); !ok {
		t.Errorf("Expected entry b to survive")
	}
	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}

	// Touching b makes c the eviction candidate.
	cache.Get("b")
	cache.Put("d", []int32{4})
	if _, ok := cache.Get("c"); ok {
		t.Errorf("Expected least recently used entry c to be evicted")
	}
	if _, ok := cache.Get("b"); !ok {
		t.Errorf("Expected recently used entry b to survive")
	}
}

func TestRowSeededPrivacyFloor(t *testing.T) {
	block := sampleBlock(t)
	const resolution = 3
	cfg := synthConfig(models.ModeRowSeeded, resolution)

	synth := &Synthesizer{Block: block, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Records) == 0 {
		t.Fatalf("No records emitted")
	}

	zID, ok := block.AttributeID("X", "z")
	if !ok {
		t.Fatalf("Attribute (X,z) not interned")
	}
	for _, rec := range res.Records {
		// Support of the whole record bounds the support of every prefix
		// from below, so one check covers them all.
		if got := sensitiveSupport(block, rec); got < resolution {
			t.Errorf("Record %v has sensitive support %d < %d", rec, got, resolution)
		}
		for _, a := range rec {
			if a == zID {
				t.Errorf("Rare attribute (X,z) with support 2 leaked into a synthetic record")
			}
		}
	}
}

func TestSeededLeftoversExcludeRareAttrs(t *testing.T) {
	block := sampleBlock(t)
	cfg := synthConfig(models.ModeRowSeeded, 3)

	synth := &Synthesizer{Block: block, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for a := range res.AvailableAtts {
		if block.AttributeCount(a) < 3 {
			t.Errorf("Leftover attribute %s has support %d below the floor", block.AttrString(a), block.AttributeCount(a))
		}
	}
}

func TestUnseededPrivacyFloor(t *testing.T) {
	block := sampleBlock(t)
	const resolution = 3
	cfg := synthConfig(models.ModeUnseeded, resolution)

	synth := &Synthesizer{Block: block, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Records) != block.NumRecords() {
		t.Errorf("Unseeded emitted %d records, want %d", len(res.Records), block.NumRecords())
	}
	for _, rec := range res.Records {
		if len(rec) == 0 {
			continue
		}
		if got := sensitiveSupport(block, rec); got < resolution {
			t.Errorf("Record %v has sensitive support %d < %d", rec, got, resolution)
		}
	}
}

func TestValueSeededAttributesAreReported(t *testing.T) {
	block := sampleBlock(t)
	const resolution = 3
	reportable := reportableFor(t, block, 2, resolution)
	cfg := synthConfig(models.ModeValueSeeded, resolution)
	cfg.OversamplingRatio = 2
	cfg.OversamplingTries = 5

	synth := &Synthesizer{Block: block, Reportable: reportable, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	repIDs := reportableIDMap(block.Attributes(), reportable)
	for _, rec := range res.Records {
		for _, a := range rec {
			rid, ok := repIDs[a]
			if !ok || reportable.CountOf([]models.AttrID{rid}) == 0 {
				t.Errorf("Attribute %s of a value-seeded record is not reportable", block.AttrString(a))
			}
		}
	}
}

func TestAggregateSeededPrefixesAreReported(t *testing.T) {
	block := sampleBlock(t)
	reportable := reportableFor(t, block, 2, 3)
	cfg := synthConfig(models.ModeAggregateSeeded, 3)

	synth := &Synthesizer{Block: block, Reportable: reportable, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Records) == 0 {
		t.Fatalf("No records emitted")
	}
	repIDs := reportableIDMap(block.Attributes(), reportable)
	for _, rec := range res.Records {
		if len(rec) > reportable.Lengths() {
			t.Fatalf("Record %v longer than the reporting length", rec)
		}
		mapped := make([]models.AttrID, 0, len(rec))
		for _, a := range rec {
			rid, ok := repIDs[a]
			if !ok {
				t.Fatalf("Attribute %s missing from the reportable store", block.AttrString(a))
			}
			mapped = append(mapped, rid)
		}
		reportable.SortCombo(mapped)
		if reportable.CountOf(mapped) == 0 {
			t.Errorf("Record combination %v does not appear in the reportable store", rec)
		}
	}
}

func TestAggregateSeededHonorsSyntheticCounts(t *testing.T) {
	block := sampleBlock(t)
	reportable := reportableFor(t, block, 2, 3)
	cfg := synthConfig(models.ModeAggregateSeeded, 3)
	cfg.UseSyntheticCounts = true

	synth := &Synthesizer{Block: block, Reportable: reportable, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.Records) > reportable.RecordCount {
		t.Errorf("Emitted %d records, protected total is %d", len(res.Records), reportable.RecordCount)
	}
	// Every emitted attribute must carry a reported single-attribute count.
	repIDs := reportableIDMap(block.Attributes(), reportable)
	for _, rec := range res.Records {
		for _, a := range rec {
			if reportable.CountOf([]models.AttrID{repIDs[a]}) == 0 {
				t.Errorf("Attribute %s emitted without a reported count", block.AttrString(a))
			}
		}
	}
}

func TestReconcileSuppressesExcess(t *testing.T) {
	block := sampleBlock(t)
	reportable := reportableFor(t, block, 2, 3)
	cfg := synthConfig(models.ModeRowSeeded, 3)

	synth := &Synthesizer{Block: block, Cfg: cfg}
	res, err := synth.Run()
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	before := make(map[models.AttrID]int)
	for _, rec := range res.Records {
		for _, a := range rec {
			before[a]++
		}
	}

	records, suppressed := Reconcile(res.Records, block, reportable, WorkerRand(5, 0))

	after := make(map[models.AttrID]int)
	for _, rec := range records {
		if len(rec) == 0 {
			t.Errorf("Reconciliation left an empty record in the output")
		}
		for _, a := range rec {
			after[a]++
		}
	}

	repIDs := reportableIDMap(block.Attributes(), reportable)
	for a, n := range after {
		allowed := 0
		if rid, ok := repIDs[a]; ok {
			allowed = reportable.CountOf([]models.AttrID{rid})
		}
		if n > allowed {
			t.Errorf("Attribute %s observed %d times after reconciliation, reportable count is %d",
				block.AttrString(a), n, allowed)
		}
	}
	// Observed plus suppressions reproduces the pre-reconciliation counts.
	for a, n := range before {
		if after[a]+suppressed[a] != n {
			t.Errorf("Attribute %s: after %d + suppressed %d != before %d",
				block.AttrString(a), after[a], suppressed[a], n)
		}
	}
}

func TestConsolidationStaysWithinBudget(t *testing.T) {
	block := sampleBlock(t)
	reportable := reportableFor(t, block, 2, 3)
	cfg := synthConfig(models.ModeRowSeeded, 3)

	// Pretend nothing was emitted yet: the full reportable counts are the
	// budget.
	budget := ConsolidationBudget(nil, block, reportable, map[models.AttrID]int{}, 3)
	if len(budget) == 0 {
		t.Fatalf("Expected a non-empty consolidation budget")
	}

	extra := Consolidate(block, budget, cfg, cfg.RandomSeed)
	added := make(map[models.AttrID]int)
	for _, rec := range extra {
		if got := sensitiveSupport(block, rec); got < 3 {
			t.Errorf("Consolidated record %v has sensitive support %d < 3", rec, got)
		}
		for _, a := range rec {
			added[a]++
		}
	}

	fresh := ConsolidationBudget(nil, block, reportable, map[models.AttrID]int{}, 3)
	for a, n := range added {
		if n > fresh[a] {
			t.Errorf("Attribute %s added %d times, budget was %d", block.AttrString(a), n, fresh[a])
		}
	}
}

func TestSynthesisIsDeterministicForFixedSeed(t *testing.T) {
	block := sampleBlock(t)
	run := func() []models.Record {
		cfg := synthConfig(models.ModeRowSeeded, 3)
		synth := &Synthesizer{Block: block, Cfg: cfg}
		res, err := synth.Run()
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		return res.Records
	}
	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("Run emitted %d then %d records with the same seed", len(first), len(second))
	}
	for i := range first {
		if fmt.Sprint(first[i]) != fmt.Sprint(second[i]) {
			t.Errorf("Record %d differs between identical runs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestSampleFromCounts(t *testing.T) {
	sc := &synthContext{rng: WorkerRand(3, 0)}

	if _, ok := sc.sampleFromCounts(nil, false); ok {
		t.Errorf("Sampling from no options should fail")
	}
	if _, ok := sc.sampleFromCounts([]attrCount{{id: 1, count: 0}}, false); ok {
		t.Errorf("Sampling from all-zero counts should fail")
	}

	// A single positive option is always drawn.
	for i := 0; i < 10; i++ {
		got, ok := sc.sampleFromCounts([]attrCount{{id: 7, count: 5}}, false)
		if !ok || got != 7 {
			t.Fatalf("sampleFromCounts() = (%d,%v), want (7,true)", got, ok)
		}
	}

	// Heavily skewed counts favor the heavy option.
	heavy := 0
	for i := 0; i < 200; i++ {
		got, ok := sc.sampleFromCounts([]attrCount{{id: 1, count: 1}, {id: 2, count: 99}}, false)
		if !ok {
			t.Fatalf("Unexpected sampling failure")
		}
		if got == 2 {
			heavy++
		}
	}
	if heavy < 150 {
		t.Errorf("Heavy option drawn %d/200 times, expected a strong majority", heavy)
	}
}

func TestCacheMatchesDirectIntersection(t *testing.T) {
	block := sampleBlock(t)
	sc := &synthContext{
		block:      block,
		cache:      NewFilterCache(100, 100),
		rng:        WorkerRand(1, 0),
		resolution: 1,
	}

	a1, _ := block.AttributeID("A", "1")
	bx, _ := block.AttributeID("B", "x")
	combo := sc.extend([]models.AttrID{a1}, bx)

	first, _ := sc.residualIDs(combo)
	second, _ := sc.residualIDs(combo) // cache hit
	if len(first) != len(second) {
		t.Fatalf("Cached intersection differs: %d vs %d", len(first), len(second))
	}
	want := datablock.IntersectSorted(block.RecordsContaining(a1), block.RecordsContaining(bx))
	if len(first) != len(want) {
		t.Errorf("Cached set size %d, direct intersection %d", len(first), len(want))
	}
	hits, _, _ := sc.cache.Utilization()
	if hits == 0 {
		t.Errorf("Second lookup did not hit the cache")
	}
}
