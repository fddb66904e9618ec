// Package evaluator compares synthetic aggregates against the sensitive
// ones and reports how well counts were preserved. It never touches raw
// sensitive values — only the two count maps.
package evaluator

import (
	"github.com/rawblock/synthdata-engine/internal/aggregator"
)

// LengthMetrics summarizes count preservation at one combination length.
type LengthMetrics struct {
	Length              int     `json:"length"`
	SensitiveCombos     int     `json:"sensitiveCombos"`
	SyntheticCombos     int     `json:"syntheticCombos"`
	FabricatedCombos    int     `json:"fabricatedCombos"`    // in synthetic, absent from sensitive
	RareSensitiveLeaked int     `json:"rareSensitiveLeaked"` // synthetic combos rare (<R) in sensitive
	MeanProportionalErr float64 `json:"meanProportionalError"`
	MeanSensitiveCount  float64 `json:"meanSensitiveCount"`
	MeanSyntheticCount  float64 `json:"meanSyntheticCount"`
}

// Report is the full preservation summary across lengths.
type Report struct {
	RecordCountRatio float64         `json:"recordCountRatio"` // synthetic records / sensitive records
	ByLength         []LengthMetrics `json:"byLength"`
}

// Compare walks every combination length held by either store. All
// ratio computations substitute 0 on empty denominators.
func Compare(sensitive, synthetic *aggregator.Store, resolution int) Report {
	rep := Report{
		RecordCountRatio: ratio(synthetic.RecordCount, sensitive.RecordCount),
	}

	lengths := sensitive.Lengths()
	if synthetic.Lengths() > lengths {
		lengths = synthetic.Lengths()
	}

	// The two stores intern attributes independently; compare through the
	// rendered combination strings.
	for k := 1; k <= lengths; k++ {
		m := LengthMetrics{Length: k}

		sensByStr := make(map[string]int)
		for _, agg := range sensitive.AtLength(k) {
			sensByStr[sensitive.ComboString(agg.Combo)] = agg.Count
			m.MeanSensitiveCount += float64(agg.Count)
		}
		m.SensitiveCombos = len(sensByStr)
		m.MeanSensitiveCount = divide(m.MeanSensitiveCount, float64(m.SensitiveCombos))

		var absErrSum float64
		compared := 0
		for _, agg := range synthetic.AtLength(k) {
			m.SyntheticCombos++
			m.MeanSyntheticCount += float64(agg.Count)
			sensCount, ok := sensByStr[synthetic.ComboString(agg.Combo)]
			if !ok {
				m.FabricatedCombos++
				continue
			}
			if sensCount < resolution {
				m.RareSensitiveLeaked++
			}
			absErrSum += divide(abs(float64(agg.Count-sensCount)), float64(sensCount))
			compared++
		}
		m.MeanSyntheticCount = divide(m.MeanSyntheticCount, float64(m.SyntheticCombos))
		m.MeanProportionalErr = divide(absErrSum, float64(compared))

		if m.SensitiveCombos > 0 || m.SyntheticCombos > 0 {
			rep.ByLength = append(rep.ByLength, m)
		}
	}
	return rep
}

func ratio(a, b int) float64 {
	return divide(float64(a), float64(b))
}

func divide(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
