package protect

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// dpParams carries the (ε,δ)-DP mechanism tuning.
type dpParams struct {
	epsilon             float64
	delta               float64
	percentile          float64 // p-th percentile for sensitivity selection
	percentileEpsProp   float64 // fraction of epsilon reserved for selection
	sigmaProportions    []float64
	thresholdType       models.ThresholdType
	thresholdValues     []float64
	reportingResolution int
}

// defaultAdaptiveTail is the false-positive tail target used by the
// adaptive threshold when no per-length value is configured.
const defaultAdaptiveTail = 0.01

// dpProtect runs the full per-length DP pipeline: sensitivity selection via
// the exponential mechanism, per-record contribution clipping, Gaussian
// noise, and threshold suppression. Counts in the output are integers at or
// above the chosen per-length threshold.
func dpProtect(block *datablock.DataBlock, sensitive *aggregator.Store, params dpParams, rng *rand.Rand) (*aggregator.Store, error) {
	lengths := sensitive.Lengths()

	epsPercentile := params.epsilon * params.percentileEpsProp
	epsRemaining := params.epsilon - epsPercentile
	if epsRemaining <= 0 {
		return nil, fmt.Errorf("%w: percentile selection reserves %.4f of epsilon %.4f, nothing left for noise",
			models.ErrBudget, epsPercentile, params.epsilon)
	}

	sigmaProps := params.sigmaProportions
	if len(sigmaProps) == 0 {
		sigmaProps = make([]float64, lengths)
		for i := range sigmaProps {
			sigmaProps[i] = 1.0 / float64(lengths)
		}
	}
	if len(sigmaProps) != lengths {
		return nil, fmt.Errorf("%w: %d sigma_proportions for reporting length %d",
			models.ErrConfigInvalid, len(sigmaProps), lengths)
	}

	out := aggregator.NewStore(sensitive.Attrs, lengths)
	out.TwoLevel = sensitive.TwoLevel

	gaussFactor := math.Sqrt(2 * math.Log(1.25/params.delta))
	var totalSigma float64

	for k := 1; k <= lengths; k++ {
		epsK := epsRemaining * sigmaProps[k-1]
		if epsK <= 0 {
			return nil, fmt.Errorf("%w: zero budget at length %d", models.ErrBudget, k)
		}

		// 1. Sensitivity selection: the allowed number of length-k
		// combinations any single record may contribute.
		sensitivity := selectSensitivity(block, k, params.percentile, epsPercentile/float64(lengths), rng)
		if sensitivity == 0 {
			continue // no record is wide enough for this length
		}

		// 2. Clip contributions and recount.
		counts := clippedCounts(block, sensitive, k, sensitivity, rng)

		// 3. Calibrated Gaussian noise.
		sigma := float64(sensitivity) * gaussFactor / epsK
		if k == 1 {
			totalSigma = sigma
		}

		// 4. Per-length suppression threshold.
		threshold, err := params.thresholdAt(k, sigma)
		if err != nil {
			return nil, err
		}

		kept := 0
		for _, cc := range counts {
			noised := float64(cc.agg.Count) + rng.NormFloat64()*sigma
			if noised < threshold {
				continue
			}
			rounded := int(math.Round(noised))
			if rounded < 1 || float64(rounded) < threshold {
				continue
			}
			combo := make([]models.AttrID, len(cc.agg.Combo))
			copy(combo, cc.agg.Combo)
			eventCount := 0
			if sensitive.TwoLevel {
				eventCount = int(math.Round(float64(cc.agg.EventCount) + rng.NormFloat64()*sigma))
				if eventCount < 0 {
					eventCount = 0
				}
			}
			out.Put(&aggregator.Aggregate{Combo: combo, Count: rounded, EventCount: eventCount})
			kept++
		}
		log.Printf("[DP] length %d: sensitivity %d, sigma %.3f, threshold %.3f, kept %d/%d combinations",
			k, sensitivity, sigma, threshold, kept, len(counts))
	}

	out.RecordCount = noisedTotal(sensitive.RecordCount, totalSigma, rng)
	if sensitive.TwoLevel {
		out.SubjectCount = noisedTotal(sensitive.SubjectCount, totalSigma, rng)
	}
	return out, nil
}

// thresholdAt resolves the suppression threshold for one length. Fixed mode
// reads the configured per-length values; adaptive mode places the
// threshold on the Gaussian tail so the expected rate of reporting a
// combination whose true count is zero stays below the tail target.
func (p dpParams) thresholdAt(k int, sigma float64) (float64, error) {
	switch p.thresholdType {
	case models.ThresholdFixed:
		if len(p.thresholdValues) >= k {
			return p.thresholdValues[k-1], nil
		}
		return float64(p.reportingResolution), nil
	case models.ThresholdAdaptive:
		tail := defaultAdaptiveTail
		if len(p.thresholdValues) >= k && p.thresholdValues[k-1] > 0 && p.thresholdValues[k-1] < 1 {
			tail = p.thresholdValues[k-1]
		}
		// Φ⁻¹(1-tail) scaled by sigma: P(N(0,σ) > T) = tail.
		return sigma * math.Sqrt2 * math.Erfinv(1-2*tail), nil
	default:
		return 0, fmt.Errorf("%w: unknown noise_threshold_type %q", models.ErrConfigInvalid, p.thresholdType)
	}
}

func noisedTotal(n int, sigma float64, rng *rand.Rand) int {
	v := int(math.Round(float64(n) + rng.NormFloat64()*sigma))
	if v < 0 {
		return 0
	}
	return v
}

// binomial computes C(n, k) capped to avoid overflow on wide records.
func binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	const limit = 1 << 40
	res := 1
	for i := 1; i <= k; i++ {
		res = res * (n - k + i) / i
		if res > limit {
			return limit
		}
	}
	return res
}

// selectSensitivity picks the allowed per-record contribution count at
// length k: the p-th percentile of per-record combination counts, chosen
// with the exponential mechanism under the given budget. Candidates are the
// distinct contribution counts; utility is the negated distance between a
// candidate's percentile rank and the target percentile.
func selectSensitivity(block *datablock.DataBlock, k int, percentile, eps float64, rng *rand.Rand) int {
	var contribs []int
	for _, rec := range block.Records() {
		if c := binomial(len(rec), k); c > 0 {
			contribs = append(contribs, c)
		}
	}
	if len(contribs) == 0 {
		return 0
	}
	sort.Ints(contribs)

	// Distinct candidate values with their cumulative rank fraction.
	type candidate struct {
		value int
		rank  float64 // percentage of records with contribution <= value
	}
	var candidates []candidate
	for i, v := range contribs {
		if i+1 < len(contribs) && contribs[i+1] == v {
			continue
		}
		candidates = append(candidates, candidate{
			value: v,
			rank:  100 * float64(i+1) / float64(len(contribs)),
		})
	}

	// Exponential mechanism: weight ∝ exp(ε·u/2) with u = -|rank - p|.
	weights := make([]float64, len(candidates))
	var maxU float64 = math.Inf(-1)
	for i, c := range candidates {
		u := -math.Abs(c.rank - percentile)
		weights[i] = u
		if u > maxU {
			maxU = u
		}
	}
	var total float64
	for i := range weights {
		weights[i] = math.Exp(eps * (weights[i] - maxU) / 2)
		total += weights[i]
	}
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i].value
		}
	}
	return candidates[len(candidates)-1].value
}

// clipPick holds a recounted aggregate after contribution clipping.
type clipPick struct {
	agg *aggregator.Aggregate
}

// clippedCounts recounts length-k combinations with every record
// contributing at most `sensitivity` of its combinations. Records over the
// cap have a uniform reservoir sample of their combinations kept; the
// sample is drawn from the seeded rng so runs are reproducible.
func clippedCounts(block *datablock.DataBlock, sensitive *aggregator.Store, k, sensitivity int, rng *rand.Rand) []clipPick {
	counts := make(map[string]*aggregator.Aggregate)
	subjects := make(map[string]map[int32]struct{})
	events := make(map[string]map[int32]struct{})
	twoLevel := sensitive.TwoLevel

	buf := make([]models.AttrID, k)
	reservoir := make([][]models.AttrID, 0, sensitivity)

	for rid, rec := range block.Records() {
		total := binomial(len(rec), k)
		if total == 0 {
			continue
		}

		emit := func(combo []models.AttrID) {
			key := aggregator.ComboKey(combo)
			agg, ok := counts[key]
			if !ok {
				stored := make([]models.AttrID, len(combo))
				copy(stored, combo)
				agg = &aggregator.Aggregate{Combo: stored}
				counts[key] = agg
				if twoLevel {
					subjects[key] = make(map[int32]struct{})
					events[key] = make(map[int32]struct{})
				}
			}
			agg.Count++
			if twoLevel {
				subjects[key][block.Subject(rid)] = struct{}{}
				events[key][block.Event(rid)] = struct{}{}
			}
		}

		if total <= sensitivity {
			aggregator.ForEachCombo(rec, k, buf, emit)
			continue
		}

		// Reservoir-sample `sensitivity` combinations from the stream.
		reservoir = reservoir[:0]
		seen := 0
		aggregator.ForEachCombo(rec, k, buf, func(combo []models.AttrID) {
			seen++
			if len(reservoir) < sensitivity {
				c := make([]models.AttrID, len(combo))
				copy(c, combo)
				reservoir = append(reservoir, c)
				return
			}
			if j := rng.Intn(seen); j < sensitivity {
				c := make([]models.AttrID, len(combo))
				copy(c, combo)
				reservoir[j] = c
			}
		})
		for _, combo := range reservoir {
			emit(combo)
		}
	}

	out := make([]clipPick, 0, len(counts))
	for key, agg := range counts {
		if twoLevel {
			agg.Count = len(subjects[key])
			agg.EventCount = len(events[key])
		}
		out = append(out, clipPick{agg: agg})
	}
	// Deterministic iteration order for reproducible noise assignment.
	sort.Slice(out, func(i, j int) bool {
		return aggregator.ComboKey(out[i].agg.Combo) < aggregator.ComboKey(out[j].agg.Combo)
	})
	return out
}
