package aggregator

import (
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// TotalByLength returns the number of distinct combinations at each length.
func (s *Store) TotalByLength() map[int]int {
	out := make(map[int]int, len(s.byLength))
	for k := 1; k <= len(s.byLength); k++ {
		if n := len(s.byLength[k-1]); n > 0 {
			out[k] = n
		}
	}
	return out
}

// RareByLength returns, per length, the number of distinct combinations
// whose count is below the reporting resolution.
func (s *Store) RareByLength(resolution int) map[int]int {
	out := make(map[int]int)
	for k := 1; k <= len(s.byLength); k++ {
		rare := 0
		for _, agg := range s.byLength[k-1] {
			if agg.Count < resolution {
				rare++
			}
		}
		if len(s.byLength[k-1]) > 0 {
			out[k] = rare
		}
	}
	return out
}

// MeanByLength returns the mean combination count at each length.
// An empty length yields 0 rather than dividing by zero.
func (s *Store) MeanByLength() map[int]float64 {
	out := make(map[int]float64)
	for k := 1; k <= len(s.byLength); k++ {
		m := s.byLength[k-1]
		if len(m) == 0 {
			out[k] = 0
			continue
		}
		sum := 0
		for _, agg := range m {
			sum += agg.Count
		}
		out[k] = float64(sum) / float64(len(m))
	}
	return out
}

// RecordsAnalysis aggregates, per combination length, how many records are
// first isolated at that length. Length 0 buckets records never isolated.
type RecordsAnalysis struct {
	UniqueByLength map[int]int // shortest length at which some combination of the record is unique (count == 1)
	RareByLength   map[int]int // shortest length at which some combination is rare (count < resolution)
}

// AnalyzeRecords scans every record for its shortest rare and unique
// combination lengths. A record that is unique at some length stops
// contributing to longer lengths; rare matches are recorded at the first
// length they occur while the unique scan continues. Each record counts
// toward at most one rare length, the shortest.
func (s *Store) AnalyzeRecords(block *datablock.DataBlock, resolution int) RecordsAnalysis {
	res := RecordsAnalysis{
		UniqueByLength: make(map[int]int),
		RareByLength:   make(map[int]int),
	}
	buf := make([]models.AttrID, s.ReportingLength)
	for _, rec := range block.Records() {
		uniqueLen, rareLen := 0, 0
		for k := 1; k <= s.ReportingLength && uniqueLen == 0; k++ {
			matchedUnique, matchedRare := false, false
			ForEachCombo(rec, k, buf, func(combo []models.AttrID) {
				if matchedUnique {
					return
				}
				c := s.CountOf(combo)
				if c == 1 {
					matchedUnique = true
				} else if c > 0 && c < resolution {
					matchedRare = true
				}
			})
			if matchedUnique {
				uniqueLen = k
			}
			if matchedRare && rareLen == 0 {
				rareLen = k
			}
		}
		res.UniqueByLength[uniqueLen]++
		if uniqueLen == 0 {
			res.RareByLength[rareLen]++
		} else if rareLen > 0 && rareLen < uniqueLen {
			res.RareByLength[rareLen]++
		}
	}
	return res
}
