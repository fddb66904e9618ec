// Package protect turns a sensitive aggregate store into a reportable one.
// Two strategies share the contract: k-anonymity rounds counts down to a
// resolution and drops what rounds to zero; differential privacy adds
// calibrated Gaussian noise with per-length sensitivity control.
package protect

import (
	"fmt"
	"math/rand"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Strategy selects the protection mechanism.
type Strategy int

const (
	StrategyKAnonymity Strategy = iota
	StrategyDP
)

// Protector applies one protection strategy to a sensitive store. Built
// from a JobConfig via FromConfig; the zero value is not usable.
type Protector struct {
	strategy   Strategy
	resolution int
	dp         dpParams
	rng        *rand.Rand
}

// FromConfig builds the protector selected by the job configuration. The
// rng drives every random choice the DP mechanism makes; k-anonymity is
// deterministic and ignores it.
func FromConfig(cfg *models.JobConfig, rng *rand.Rand) *Protector {
	p := &Protector{
		strategy:   StrategyKAnonymity,
		resolution: cfg.ReportingResolution,
		rng:        rng,
	}
	if cfg.DPAggregates {
		p.strategy = StrategyDP
		p.dp = dpParams{
			epsilon:             cfg.NoiseEpsilon,
			delta:               cfg.NoiseDelta,
			percentile:          cfg.PercentilePercentage,
			percentileEpsProp:   cfg.PercentileEpsilonProportion,
			sigmaProportions:    cfg.SigmaProportions,
			thresholdType:       cfg.NoiseThresholdType,
			thresholdValues:     cfg.NoiseThresholdValues,
			reportingResolution: cfg.ReportingResolution,
		}
	}
	return p
}

// Apply produces the reportable store. The sensitive store is not modified.
// The DataBlock is needed by the DP strategy for per-record contribution
// clipping; k-anonymity ignores it.
func (p *Protector) Apply(block *datablock.DataBlock, sensitive *aggregator.Store) (*aggregator.Store, error) {
	switch p.strategy {
	case StrategyKAnonymity:
		return KAnonymize(sensitive, p.resolution), nil
	case StrategyDP:
		return dpProtect(block, sensitive, p.dp, p.rng)
	default:
		return nil, fmt.Errorf("%w: unknown protection strategy %d", models.ErrConfigInvalid, p.strategy)
	}
}

// RoundDown floors n to the closest multiple of resolution.
func RoundDown(n, resolution int) int {
	if resolution <= 1 {
		return n
	}
	return (n / resolution) * resolution
}

// KAnonymize floor-rounds every count to a multiple of the resolution and
// drops combinations that round to zero. Applied uniformly to every length
// and to the grand total. Idempotent: protecting an already protected store
// with the same resolution is a no-op.
func KAnonymize(sensitive *aggregator.Store, resolution int) *aggregator.Store {
	out := aggregator.NewStore(sensitive.Attrs, sensitive.ReportingLength)
	out.RecordCount = RoundDown(sensitive.RecordCount, resolution)
	out.SubjectCount = RoundDown(sensitive.SubjectCount, resolution)
	out.TwoLevel = sensitive.TwoLevel

	for k := 1; k <= sensitive.Lengths(); k++ {
		for _, agg := range sensitive.AtLength(k) {
			count := RoundDown(agg.Count, resolution)
			if count == 0 {
				continue
			}
			combo := make([]models.AttrID, len(agg.Combo))
			copy(combo, agg.Combo)
			out.Put(&aggregator.Aggregate{
				Combo:      combo,
				Count:      count,
				EventCount: RoundDown(agg.EventCount, resolution),
			})
		}
	}
	return out
}
