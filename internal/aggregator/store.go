package aggregator

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Aggregate is one counted attribute combination. Combo is held in
// canonical order (case-insensitive lexicographic on "column:value").
type Aggregate struct {
	Combo      []models.AttrID
	Count      int
	EventCount int // populated in two-level mode only
}

// Store is the aggregate count map: length -> combination -> count, plus the
// attribute intern table needed to render combinations. The same shape holds
// both sensitive (exact) and reportable (protected) counts.
type Store struct {
	RecordCount     int
	SubjectCount    int // two-level mode: distinct subjects in the input
	ReportingLength int
	TwoLevel        bool

	Attrs    []models.Attribute
	sortKeys []string
	ids      map[string]models.AttrID

	byLength []map[string]*Aggregate // [k-1] keyed by ComboKey
}

// NewStore creates an empty store for combinations of length 1..reportingLength.
func NewStore(attrs []models.Attribute, reportingLength int) *Store {
	s := &Store{
		ReportingLength: reportingLength,
		ids:             make(map[string]models.AttrID, len(attrs)),
		byLength:        make([]map[string]*Aggregate, reportingLength),
	}
	for i := range s.byLength {
		s.byLength[i] = make(map[string]*Aggregate)
	}
	for _, a := range attrs {
		s.internAttr(a)
	}
	return s
}

func (s *Store) internAttr(a models.Attribute) models.AttrID {
	key := a.Column + ":" + a.Value
	if id, ok := s.ids[key]; ok {
		return id
	}
	id := models.AttrID(len(s.Attrs))
	s.ids[key] = id
	s.Attrs = append(s.Attrs, a)
	s.sortKeys = append(s.sortKeys, strings.ToLower(key))
	return id
}

// ComboKey builds the map key for a canonical combination. Ids are joined
// rather than rendered; rendering only happens at serialization boundaries.
func ComboKey(combo []models.AttrID) string {
	var b strings.Builder
	for i, id := range combo {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(id)))
	}
	return b.String()
}

// Put inserts or replaces an aggregate. The combo must be canonical.
func (s *Store) Put(agg *Aggregate) {
	k := len(agg.Combo)
	if k == 0 || k > len(s.byLength) {
		return
	}
	s.byLength[k-1][ComboKey(agg.Combo)] = agg
}

// Get returns the aggregate for a canonical combination, if present.
func (s *Store) Get(combo []models.AttrID) (*Aggregate, bool) {
	k := len(combo)
	if k == 0 || k > len(s.byLength) {
		return nil, false
	}
	agg, ok := s.byLength[k-1][ComboKey(combo)]
	return agg, ok
}

// CountOf returns the count of a canonical combination, 0 if absent.
func (s *Store) CountOf(combo []models.AttrID) int {
	if agg, ok := s.Get(combo); ok {
		return agg.Count
	}
	return 0
}

// Delete removes a combination from the store.
func (s *Store) Delete(combo []models.AttrID) {
	k := len(combo)
	if k == 0 || k > len(s.byLength) {
		return
	}
	delete(s.byLength[k-1], ComboKey(combo))
}

// AtLength returns the aggregate map for one combination length (1-based).
func (s *Store) AtLength(k int) map[string]*Aggregate {
	if k < 1 || k > len(s.byLength) {
		return nil
	}
	return s.byLength[k-1]
}

// Lengths returns the number of combination lengths the store holds (its
// reporting length), whether or not the longest length has entries.
func (s *Store) Lengths() int {
	return len(s.byLength)
}

// ComboString renders a canonical combination as "col:val;col:val;…".
func (s *Store) ComboString(combo []models.AttrID) string {
	var b strings.Builder
	for i, id := range combo {
		if i > 0 {
			b.WriteByte(';')
		}
		a := s.Attrs[id]
		b.WriteString(a.Column)
		b.WriteByte(':')
		b.WriteString(a.Value)
	}
	return b.String()
}

// ParseCombo reconstructs attribute ids from a "col:val;col:val" rendering,
// interning attributes not yet in the table. Values had ";" and ":"
// substituted at microdata load, so the two delimiters are unambiguous.
func (s *Store) ParseCombo(str string) []models.AttrID {
	if str == "" {
		return nil
	}
	parts := strings.Split(str, ";")
	combo := make([]models.AttrID, 0, len(parts))
	for _, p := range parts {
		col, val, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		combo = append(combo, s.internAttr(models.Attribute{Column: col, Value: val}))
	}
	s.SortCombo(combo)
	return combo
}

// SortCombo sorts ids into canonical order using the store's intern table.
func (s *Store) SortCombo(combo []models.AttrID) {
	sort.Slice(combo, func(i, j int) bool { return s.sortKeys[combo[i]] < s.sortKeys[combo[j]] })
}

// SingleCount returns the length-1 count of one attribute id, 0 if absent.
func (s *Store) SingleCount(id models.AttrID) int {
	return s.CountOf([]models.AttrID{id})
}

// Clone returns a deep copy sharing nothing mutable with the receiver.
// Protectors work on a clone so the sensitive store stays intact.
func (s *Store) Clone() *Store {
	out := NewStore(s.Attrs, s.ReportingLength)
	out.RecordCount = s.RecordCount
	out.SubjectCount = s.SubjectCount
	out.TwoLevel = s.TwoLevel
	for _, m := range s.byLength {
		for _, agg := range m {
			combo := make([]models.AttrID, len(agg.Combo))
			copy(combo, agg.Combo)
			out.Put(&Aggregate{Combo: combo, Count: agg.Count, EventCount: agg.EventCount})
		}
	}
	return out
}
