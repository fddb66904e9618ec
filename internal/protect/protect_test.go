package protect

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/internal/synthesis"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

func tinyBlock(t *testing.T) *datablock.DataBlock {
	t.Helper()
	table := &models.RowTable{
		Columns: []string{"A", "B"},
		Rows: [][]string{
			{"1", "x"},
			{"1", "x"},
			{"1", "x"},
			{"2", "y"},
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

func TestRoundDown(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		resolution int
		want       int
	}{
		{"Exact multiple", 10, 5, 10},
		{"Rounds down", 9, 5, 5},
		{"Below resolution", 4, 5, 0},
		{"Resolution one", 7, 1, 7},
		{"Three floors to two", 3, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundDown(tt.n, tt.resolution); got != tt.want {
				t.Errorf("RoundDown(%d, %d) = %d, want %d", tt.n, tt.resolution, got, tt.want)
			}
		})
	}
}

func TestKAnonymizeTinyDataset(t *testing.T) {
	block := tinyBlock(t)
	sensitive, err := aggregator.Count(block, 2, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	reportable := KAnonymize(sensitive, 2)

	if reportable.RecordCount != 4 {
		t.Errorf("Protected grand total = %d, want 4", reportable.RecordCount)
	}

	wantKept := map[string]int{
		"A:1":     2,
		"B:x":     2,
		"A:1;B:x": 2,
	}
	total := 0
	for k := 1; k <= 2; k++ {
		for _, agg := range reportable.AtLength(k) {
			total++
			str := reportable.ComboString(agg.Combo)
			want, ok := wantKept[str]
			if !ok {
				t.Errorf("Unexpected reportable combination %s", str)
				continue
			}
			if agg.Count != want {
				t.Errorf("Combo %s protected count = %d, want %d", str, agg.Count, want)
			}
		}
	}
	if total != len(wantKept) {
		t.Errorf("Reportable combinations = %d, want %d", total, len(wantKept))
	}
}

// Every stored count must be a positive multiple of the resolution, and
// every dropped combination must have been below it.
func TestKAnonymizeInvariants(t *testing.T) {
	block := tinyBlock(t)
	sensitive, err := aggregator.Count(block, 2, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	const resolution = 2
	reportable := KAnonymize(sensitive, resolution)

	for k := 1; k <= 2; k++ {
		for _, agg := range reportable.AtLength(k) {
			if agg.Count < resolution || agg.Count%resolution != 0 {
				t.Errorf("Combo %s count %d violates resolution %d", reportable.ComboString(agg.Combo), agg.Count, resolution)
			}
		}
		for _, agg := range sensitive.AtLength(k) {
			str := sensitive.ComboString(agg.Combo)
			if _, kept := reportable.Get(reportable.ParseCombo(str)); !kept && agg.Count >= resolution {
				t.Errorf("Combo %s with count %d >= %d was dropped", str, agg.Count, resolution)
			}
		}
	}
}

func TestKAnonymizeIdempotent(t *testing.T) {
	block := tinyBlock(t)
	sensitive, err := aggregator.Count(block, 2, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	once := KAnonymize(sensitive, 2)
	twice := KAnonymize(once, 2)

	if once.RecordCount != twice.RecordCount {
		t.Errorf("Grand total changed on second application: %d -> %d", once.RecordCount, twice.RecordCount)
	}
	for k := 1; k <= 2; k++ {
		if len(once.AtLength(k)) != len(twice.AtLength(k)) {
			t.Fatalf("Length %d: %d combos became %d", k, len(once.AtLength(k)), len(twice.AtLength(k)))
		}
		for key, agg := range once.AtLength(k) {
			if other, ok := twice.AtLength(k)[key]; !ok || other.Count != agg.Count {
				t.Errorf("Length %d combo %s changed on second application", k, key)
			}
		}
	}
}

// wideBlock builds a single-column dataset with `values` distinct values,
// each supported by `per` records, to exercise the DP noise path.
func wideBlock(t *testing.T, values, per int) *datablock.DataBlock {
	t.Helper()
	table := &models.RowTable{Columns: []string{"A"}}
	for v := 0; v < values; v++ {
		for i := 0; i < per; i++ {
			table.Rows = append(table.Rows, []string{fmt.Sprintf("v%d", v)})
		}
	}
	cfg := &models.JobConfig{}
	cfg.ApplyDefaults()
	block, err := datablock.FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}
	return block
}

func dpConfig(epsilon float64) *models.JobConfig {
	cfg := &models.JobConfig{
		DPAggregates:                true,
		NoiseEpsilon:                epsilon,
		NoiseDelta:                  1e-6,
		PercentilePercentage:        99,
		PercentileEpsilonProportion: 0.1,
		NoiseThresholdType:          models.ThresholdFixed,
		NoiseThresholdValues:        []float64{0},
		ReportingResolution:         2,
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDPCountsAreIntegersAboveThreshold(t *testing.T) {
	block := wideBlock(t, 20, 5)
	sensitive, err := aggregator.Count(block, 1, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}

	cfg := dpConfig(1.0)
	cfg.NoiseThresholdValues = []float64{3}
	protector := FromConfig(cfg, synthesis.WorkerRand(42, 0))
	reportable, err := protector.Apply(block, sensitive)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	for _, agg := range reportable.AtLength(1) {
		if agg.Count < 3 {
			t.Errorf("Combo %s noised count %d below threshold 3", reportable.ComboString(agg.Combo), agg.Count)
		}
		// Only combinations present in the sensitive store may survive.
		str := reportable.ComboString(agg.Combo)
		if sensitive.CountOf(sensitive.ParseCombo(str)) == 0 {
			t.Errorf("Fabricated combination %s in reportable store", str)
		}
	}
	if reportable.RecordCount < 0 {
		t.Errorf("Protected grand total is negative: %d", reportable.RecordCount)
	}
}

func TestDPDeterministicForFixedSeed(t *testing.T) {
	block := wideBlock(t, 10, 6)
	sensitive, err := aggregator.Count(block, 1, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	cfg := dpConfig(1.0)

	run := func() map[string]int {
		protector := FromConfig(cfg, synthesis.WorkerRand(7, 0))
		reportable, err := protector.Apply(block, sensitive)
		if err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
		out := make(map[string]int)
		for _, agg := range reportable.AtLength(1) {
			out[reportable.ComboString(agg.Combo)] = agg.Count
		}
		return out
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("Kept %d combos then %d with the same seed", len(first), len(second))
	}
	for str, count := range first {
		if second[str] != count {
			t.Errorf("Combo %s: %d then %d with the same seed", str, count, second[str])
		}
	}
}

// dpMAE runs the DP protector and reports the mean absolute error of the
// reportable counts against the sensitive ones, counting dropped
// combinations at their full sensitive weight.
func dpMAE(t *testing.T, block *datablock.DataBlock, sensitive *aggregator.Store, epsilon float64) float64 {
	t.Helper()
	protector := FromConfig(dpConfig(epsilon), synthesis.WorkerRand(1234, 0))
	reportable, err := protector.Apply(block, sensitive)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	var sum float64
	n := 0
	for _, agg := range sensitive.AtLength(1) {
		str := sensitive.ComboString(agg.Combo)
		rep := reportable.CountOf(reportable.ParseCombo(str))
		sum += math.Abs(float64(rep - agg.Count))
		n++
	}
	return sum / float64(n)
}

func TestDPErrorShrinksWithEpsilon(t *testing.T) {
	block := wideBlock(t, 100, 4)
	sensitive, err := aggregator.Count(block, 1, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}

	maeLow := dpMAE(t, block, sensitive, 0.25)
	maeMid := dpMAE(t, block, sensitive, 1.0)
	maeHigh := dpMAE(t, block, sensitive, 4.0)

	if !(maeLow > maeMid && maeMid > maeHigh) {
		t.Errorf("MAE not monotone across epsilon: 0.25->%.2f 1->%.2f 4->%.2f", maeLow, maeMid, maeHigh)
	}
}

func TestDPBudgetExhausted(t *testing.T) {
	block := tinyBlock(t)
	sensitive, err := aggregator.Count(block, 2, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	cfg := dpConfig(1.0)
	cfg.PercentileEpsilonProportion = 1.0 // reserves the whole budget

	protector := FromConfig(cfg, synthesis.WorkerRand(1, 0))
	if _, err := protector.Apply(block, sensitive); !errors.Is(err, models.ErrBudget) {
		t.Errorf("Apply() error = %v, want ErrBudget", err)
	}
}

func TestDPSigmaProportionMismatch(t *testing.T) {
	block := tinyBlock(t)
	sensitive, err := aggregator.Count(block, 2, 1)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	cfg := dpConfig(1.0)
	cfg.SigmaProportions = []float64{1.0} // reporting length is 2

	protector := FromConfig(cfg, synthesis.WorkerRand(1, 0))
	if _, err := protector.Apply(block, sensitive); !errors.Is(err, models.ErrConfigInvalid) {
		t.Errorf("Apply() error = %v, want ErrConfigInvalid", err)
	}
}

func TestAdaptiveThresholdScalesWithSigma(t *testing.T) {
	params := dpParams{
		thresholdType:   models.ThresholdAdaptive,
		thresholdValues: []float64{0.05},
	}
	small, err := params.thresholdAt(1, 1.0)
	if err != nil {
		t.Fatalf("thresholdAt() error: %v", err)
	}
	large, err := params.thresholdAt(1, 10.0)
	if err != nil {
		t.Fatalf("thresholdAt() error: %v", err)
	}
	if !(large > small && small > 0) {
		t.Errorf("Adaptive thresholds: sigma 1 -> %.3f, sigma 10 -> %.3f; expected positive and scaling", small, large)
	}
	// The 5% tail of a unit Gaussian sits near 1.645.
	if math.Abs(small-1.645) > 0.01 {
		t.Errorf("Unit-sigma 5%% threshold = %.4f, want about 1.645", small)
	}
}
