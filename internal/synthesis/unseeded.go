package synthesis

import (
	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// synthesizeRowUnseeded builds one record by unconstrained sampling of
// attribute distributions. Columns are visited in a shuffled order; at each
// column the candidate values are weighted by their support under the
// current filter, values below the privacy floor fold into the empty
// option, and the drawn value (or the empty option) narrows the residual
// record set for the columns that follow.
func (sc *synthContext) synthesizeRowUnseeded(colEmptyIDs map[string][]int32) models.Record {
	columns := make([]string, len(sc.block.Columns))
	copy(columns, sc.block.Columns)
	sc.rng.Shuffle(len(columns), func(i, j int) { columns[i], columns[j] = columns[j], columns[i] })

	var output models.Record
	var residual []int32
	all := true
	// The cache is only sound while residual is exactly the intersection of
	// the output attributes. Once the empty option narrows residual beyond
	// that, keys would no longer describe the cached sets.
	pure := true

	for _, col := range columns {
		options := make([]attrCount, 0, len(sc.block.ColumnAttributes(col))+1)
		var nullIDs []int32

		// Rows with no value in this column stay sampleable as the empty
		// option; rare values fold their rows into the same bucket.
		if empty := colEmptyIDs[col]; len(empty) > 0 {
			if all {
				nullIDs = empty
			} else {
				nullIDs = datablock.IntersectSorted(residual, empty)
			}
		}

		valIDs := make(map[models.AttrID][]int32)
		for _, a := range sc.block.ColumnAttributes(col) {
			var ids []int32
			cached := false
			var key string
			if pure {
				key = aggregator.ComboKey(sc.extend(output, a))
				ids, cached = sc.cache.Get(key)
			}
			if !cached {
				if all {
					ids = sc.block.RecordsContaining(a)
				} else {
					ids = datablock.IntersectSorted(residual, sc.block.RecordsContaining(a))
				}
				if pure {
					sc.cache.Put(key, ids)
				}
			}
			if len(ids) >= sc.resolution {
				valIDs[a] = ids
				options = append(options, attrCount{id: a, count: len(ids)})
			} else if len(ids) > 0 {
				nullIDs = unionSorted(nullIDs, ids)
			}
		}
		options = append(options, attrCount{id: nullOption, count: len(nullIDs)})

		// A drawn empty option is redrawn, so it is only taken when no real
		// value of the column reaches the privacy floor.
		picked, ok := sc.sampleFromCounts(options, true)
		if !ok {
			continue
		}
		if picked == nullOption {
			residual = nullIDs
			all = false
			pure = false
			continue
		}
		output = sc.extend(output, picked)
		residual = valIDs[picked]
		all = false
	}
	return output
}

// columnEmptyIDs precomputes, per column, the sorted ids of records with no
// attribute in that column. Shared read-only by every unseeded worker.
func columnEmptyIDs(block *datablock.DataBlock) map[string][]int32 {
	out := make(map[string][]int32, len(block.Columns))
	n := block.NumRecords()
	for _, col := range block.Columns {
		present := make([]bool, n)
		for _, a := range block.ColumnAttributes(col) {
			for _, rid := range block.RecordsContaining(a) {
				present[rid] = true
			}
		}
		var empty []int32
		for rid := 0; rid < n; rid++ {
			if !present[rid] {
				empty = append(empty, int32(rid))
			}
		}
		out[col] = empty
	}
	return out
}

// unionSorted merges two ascending id slices without duplicates.
func unionSorted(a, b []int32) []int32 {
	out := make([]int32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
