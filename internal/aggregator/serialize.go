package aggregator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Column header used for exact (sensitive) counts.
const SensitiveCountHeader = "count"

// Column header used for privacy-protected (reportable) counts.
const ProtectedCountHeader = "protected_count"

// WriteTSV serializes the store as tab-separated text. The first data row is
// the grand total with empty selections. Rows are ordered by combination
// length, then by rendered combination, so output is deterministic.
func (s *Store) WriteTSV(w io.Writer, countHeader string) error {
	bw := bufio.NewWriter(w)
	if s.TwoLevel {
		if _, err := fmt.Fprintf(bw, "selections\tid_count\tevent_count\n"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "\t%d\t%d\n", s.SubjectCount, s.RecordCount); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(bw, "selections\t%s\n", countHeader); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(bw, "\t%d\n", s.RecordCount); err != nil {
			return err
		}
	}

	for k := 1; k <= s.Lengths(); k++ {
		m := s.AtLength(k)
		lines := make([]string, 0, len(m))
		for _, agg := range m {
			if s.TwoLevel {
				lines = append(lines, fmt.Sprintf("%s\t%d\t%d", s.ComboString(agg.Combo), agg.Count, agg.EventCount))
			} else {
				lines = append(lines, fmt.Sprintf("%s\t%d", s.ComboString(agg.Combo), agg.Count))
			}
		}
		sort.Strings(lines)
		for _, line := range lines {
			if _, err := fmt.Fprintln(bw, line); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadTSV reconstructs a store from its tab-separated form. The attribute
// intern table is rebuilt from the rendered combinations, so ids are fresh
// but combination counts round-trip exactly.
func ReadTSV(r io.Reader, reportingLength int) (*Store, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: empty aggregates file", models.ErrInputSchema)
	}
	header := strings.Split(sc.Text(), "\t")
	twoLevel := len(header) == 3

	type row struct {
		combo string
		count int
		event int
	}
	var rows []row
	maxLen := 0
	recordCount, subjectCount := 0, 0

	for sc.Scan() {
		parts := strings.Split(sc.Text(), "\t")
		if len(parts) < 2 {
			continue
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad count %q", models.ErrInputSchema, parts[1])
		}
		event := 0
		if twoLevel && len(parts) > 2 {
			if event, err = strconv.Atoi(parts[2]); err != nil {
				return nil, fmt.Errorf("%w: bad event count %q", models.ErrInputSchema, parts[2])
			}
		}
		if parts[0] == "" {
			if twoLevel {
				subjectCount, recordCount = count, event
			} else {
				recordCount = count
			}
			continue
		}
		if l := strings.Count(parts[0], ";") + 1; l > maxLen {
			maxLen = l
		}
		rows = append(rows, row{combo: parts[0], count: count, event: event})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}

	if reportingLength <= 0 {
		reportingLength = maxLen
	}
	store := NewStore(nil, reportingLength)
	store.RecordCount = recordCount
	store.SubjectCount = subjectCount
	store.TwoLevel = twoLevel
	for _, rw := range rows {
		combo := store.ParseCombo(rw.combo)
		store.Put(&Aggregate{Combo: combo, Count: rw.count, EventCount: rw.event})
	}
	return store, nil
}

// aggregateJSON is the wire form of one combination count.
type aggregateJSON struct {
	Count      int `json:"count"`
	EventCount int `json:"eventCount,omitempty"`
}

// storeJSON is the interchange document between the aggregation and
// generation/evaluation stages.
type storeJSON struct {
	NumberOfRecords      int                      `json:"numberOfRecords"`
	NumberOfSubjects     int                      `json:"numberOfSubjects,omitempty"`
	ReportingLength      int                      `json:"reportingLength"`
	AggregatesCount      map[string]aggregateJSON `json:"aggregatesCount"`
	AttributeInternTable []models.Attribute       `json:"attributeInternTable"`
}

// WriteJSON serializes the store as the aggregates interchange document.
func (s *Store) WriteJSON(w io.Writer) error {
	doc := storeJSON{
		NumberOfRecords:      s.RecordCount,
		NumberOfSubjects:     s.SubjectCount,
		ReportingLength:      s.ReportingLength,
		AggregatesCount:      make(map[string]aggregateJSON),
		AttributeInternTable: s.Attrs,
	}
	for k := 1; k <= s.Lengths(); k++ {
		for _, agg := range s.AtLength(k) {
			aj := aggregateJSON{Count: agg.Count}
			if s.TwoLevel {
				aj.EventCount = agg.EventCount
			}
			doc.AggregatesCount[s.ComboString(agg.Combo)] = aj
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ReadJSON reconstructs a store from the interchange document.
func ReadJSON(r io.Reader) (*Store, error) {
	var doc storeJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInputSchema, err)
	}
	store := NewStore(doc.AttributeInternTable, doc.ReportingLength)
	store.RecordCount = doc.NumberOfRecords
	store.SubjectCount = doc.NumberOfSubjects
	store.TwoLevel = doc.NumberOfSubjects > 0
	for comboStr, aj := range doc.AggregatesCount {
		combo := store.ParseCombo(comboStr)
		store.Put(&Aggregate{Combo: combo, Count: aj.Count, EventCount: aj.EventCount})
	}
	return store, nil
}

// WriteRareByLength emits the leakage report: per combination length, the
// distinct combination count, the rare count, and the rare proportion. An
// empty length yields proportion 0 rather than dividing by zero.
func (s *Store) WriteRareByLength(w io.Writer, resolution int) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, "sen_combo_length\tcombo_count\trare_count\trare_proportion"); err != nil {
		return err
	}
	totals := s.TotalByLength()
	rares := s.RareByLength(resolution)
	for k := 1; k <= s.Lengths(); k++ {
		total := totals[k]
		rare := rares[k]
		prop := 0.0
		if total > 0 {
			prop = float64(rare) / float64(total)
		}
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%d\t%g\n", k, total, rare, prop); err != nil {
			return err
		}
	}
	return bw.Flush()
}
