package datablock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

// DataBlock is the normalized in-memory table the whole engine runs on:
// a record × attribute-id grid plus the attribute intern table and the
// inverted index from attribute id to the sorted record ids containing it.
//
// A DataBlock is built once and is immutable afterwards, so it is shared by
// reference across parallel workers without synchronization.
type DataBlock struct {
	Columns []string

	attrs    []models.Attribute // id -> attribute
	sortKeys []string           // id -> lowercase "column:value"
	ids      map[string]models.AttrID

	records  []models.Record // canonical sorted attribute ids per record
	subjects []int32         // per-record interned subject id, nil unless two-level
	events   []int32         // per-record interned event id, nil unless event column set

	index [][]int32 // attr id -> sorted record ids

	colAttrs map[string][]models.AttrID // column -> all attribute ids seen in it

	subjectCount int
	twoLevel     bool
	restricted   bool // use_columns narrowed the table
}

// FromRowTable normalizes a parsed table into a DataBlock.
//
// Rules applied per cell: empty strings are absent; the literal "0" is
// absent unless its column is listed in sensitive_zeros; multi-value columns
// are split on their configured delimiter into independent attributes of the
// same column. The subject_id and event_column columns never become
// attributes themselves.
func FromRowTable(table *models.RowTable, cfg *models.JobConfig) (*DataBlock, error) {
	columns, colIdx, err := selectColumns(table, cfg)
	if err != nil {
		return nil, err
	}

	subjectIdx, eventIdx := -1, -1
	if cfg.SubjectID != "" {
		subjectIdx = indexOf(table.Columns, cfg.SubjectID)
		if subjectIdx < 0 {
			return nil, fmt.Errorf("%w: subject_id column %q not found", models.ErrInputSchema, cfg.SubjectID)
		}
	}
	if cfg.EventColumn != "" {
		eventIdx = indexOf(table.Columns, cfg.EventColumn)
		if eventIdx < 0 {
			return nil, fmt.Errorf("%w: event_column %q not found", models.ErrInputSchema, cfg.EventColumn)
		}
	}

	sensitiveZeros := make(map[string]bool, len(cfg.SensitiveZeros))
	for _, c := range cfg.SensitiveZeros {
		sensitiveZeros[c] = true
	}

	b := &DataBlock{
		Columns:  columns,
		ids:      make(map[string]models.AttrID),
		colAttrs:   make(map[string][]models.AttrID),
		twoLevel:   subjectIdx >= 0,
		restricted: len(cfg.UseColumns) > 0,
	}

	rows := table.Rows
	if cfg.RecordLimit > 0 && cfg.RecordLimit < len(rows) {
		rows = rows[:cfg.RecordLimit]
	}

	subjectIDs := make(map[string]int32)
	eventIDs := make(map[string]int32)

	for _, row := range rows {
		rec := make(models.Record, 0, len(columns))
		for ci, col := range columns {
			if col == cfg.SubjectID || col == cfg.EventColumn {
				continue
			}
			raw := cell(row, colIdx[ci])
			for _, val := range splitCell(col, raw, cfg.MultiValueColumns) {
				if val == "" {
					continue
				}
				if val == "0" && !sensitiveZeros[col] {
					continue
				}
				rec = append(rec, b.intern(col, val))
			}
		}
		b.SortCombo(rec)
		rec = dedupe(rec)
		b.records = append(b.records, rec)

		if subjectIdx >= 0 {
			b.subjects = append(b.subjects, internString(subjectIDs, cell(row, subjectIdx)))
		}
		if eventIdx >= 0 {
			b.events = append(b.events, internString(eventIDs, cell(row, eventIdx)))
		}
	}
	b.subjectCount = len(subjectIDs)

	b.buildIndex()
	return b, nil
}

func selectColumns(table *models.RowTable, cfg *models.JobConfig) ([]string, []int, error) {
	if len(table.Columns) == 0 {
		return nil, nil, fmt.Errorf("%w: table has no header", models.ErrInputSchema)
	}
	if len(cfg.UseColumns) == 0 {
		idx := make([]int, len(table.Columns))
		for i := range idx {
			idx[i] = i
		}
		return table.Columns, idx, nil
	}
	columns := make([]string, 0, len(cfg.UseColumns))
	idx := make([]int, 0, len(cfg.UseColumns))
	for _, c := range cfg.UseColumns {
		i := indexOf(table.Columns, c)
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: use_columns references unknown column %q", models.ErrInputSchema, c)
		}
		columns = append(columns, c)
		idx = append(idx, i)
	}
	return columns, idx, nil
}

func splitCell(col, raw string, multiValue map[string]string) []string {
	if delim, ok := multiValue[col]; ok && delim != "" {
		parts := strings.Split(raw, delim)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return []string{raw}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func internString(m map[string]int32, s string) int32 {
	if id, ok := m[s]; ok {
		return id
	}
	id := int32(len(m))
	m[s] = id
	return id
}

func dedupe(rec models.Record) models.Record {
	if len(rec) < 2 {
		return rec
	}
	out := rec[:1]
	for _, a := range rec[1:] {
		if a != out[len(out)-1] {
			out = append(out, a)
		}
	}
	return out
}

// intern assigns or returns the compact id for (col, val). Deterministic for
// a given input order. Values have had ";" and ":" substituted at load, so
// "col:val" keys are unambiguous.
func (b *DataBlock) intern(col, val string) models.AttrID {
	key := col + ":" + val
	if id, ok := b.ids[key]; ok {
		return id
	}
	id := models.AttrID(len(b.attrs))
	b.ids[key] = id
	b.attrs = append(b.attrs, models.Attribute{Column: col, Value: val})
	b.sortKeys = append(b.sortKeys, strings.ToLower(key))
	b.colAttrs[col] = append(b.colAttrs[col], id)
	return id
}

func (b *DataBlock) buildIndex() {
	b.index = make([][]int32, len(b.attrs))
	for rid, rec := range b.records {
		for _, a := range rec {
			b.index[a] = append(b.index[a], int32(rid))
		}
	}
}

// AttributeID returns the interned id for (col, val), if seen in the input.
func (b *DataBlock) AttributeID(col, val string) (models.AttrID, bool) {
	id, ok := b.ids[col+":"+val]
	return id, ok
}

// Attribute returns the (column, value) pair for an interned id.
func (b *DataBlock) Attribute(id models.AttrID) models.Attribute {
	return b.attrs[id]
}

// Attributes returns the full intern table, indexed by id.
func (b *DataBlock) Attributes() []models.Attribute {
	return b.attrs
}

// AttrString renders an attribute id as "column:value".
func (b *DataBlock) AttrString(id models.AttrID) string {
	a := b.attrs[id]
	return a.Column + ":" + a.Value
}

// SortKey returns the canonical ordering key of an attribute id.
func (b *DataBlock) SortKey(id models.AttrID) string {
	return b.sortKeys[id]
}

// Less reports whether attribute a precedes attribute b in canonical
// combination order (case-insensitive lexicographic on "column:value").
func (b *DataBlock) Less(x, y models.AttrID) bool {
	return b.sortKeys[x] < b.sortKeys[y]
}

// SortCombo sorts attribute ids in place into canonical combination order.
func (b *DataBlock) SortCombo(combo []models.AttrID) {
	sort.Slice(combo, func(i, j int) bool { return b.Less(combo[i], combo[j]) })
}

// RecordAttributes returns the sorted attribute ids of a record.
func (b *DataBlock) RecordAttributes(rid int) models.Record {
	return b.records[rid]
}

// Records returns all records. The slice is shared; callers must not mutate.
func (b *DataBlock) Records() []models.Record {
	return b.records
}

// NumRecords returns the record count N.
func (b *DataBlock) NumRecords() int {
	return len(b.records)
}

// RecordsContaining returns the sorted record ids containing attribute id.
// Its length equals the single-attribute count of id.
func (b *DataBlock) RecordsContaining(id models.AttrID) []int32 {
	return b.index[id]
}

// AttributeCount is the single-attribute support |index[a]|.
func (b *DataBlock) AttributeCount(id models.AttrID) int {
	return len(b.index[id])
}

// ColumnAttributes returns every attribute id seen in a column.
func (b *DataBlock) ColumnAttributes(col string) []models.AttrID {
	return b.colAttrs[col]
}

// NumSubjects returns the distinct subject count (two-level mode only).
func (b *DataBlock) NumSubjects() int {
	return b.subjectCount
}

// TwoLevel reports whether subject/event counting is enabled.
func (b *DataBlock) TwoLevel() bool {
	return b.twoLevel
}

// Subject returns the interned subject id of a record (two-level mode only).
func (b *DataBlock) Subject(rid int) int32 {
	return b.subjects[rid]
}

// Event returns the interned event id of a record, or the record id itself
// when no event column is configured (each record is its own event).
func (b *DataBlock) Event(rid int) int32 {
	if b.events == nil {
		return int32(rid)
	}
	return b.events[rid]
}

// NormalizeReportingLength clamps the requested reporting length to what the
// data supports: the widest record, further bounded by the usable column
// count when use_columns restricts the table. Non-positive requests mean
// "natural maximum".
func (b *DataBlock) NormalizeReportingLength(requested int) int {
	maxWidth := 0
	for _, rec := range b.records {
		if len(rec) > maxWidth {
			maxWidth = len(rec)
		}
	}
	l := requested
	if l <= 0 || l > maxWidth {
		l = maxWidth
	}
	if b.restricted && l > len(b.Columns) {
		l = len(b.Columns)
	}
	return l
}

// IntersectSorted intersects two ascending id slices. Both inputs come from
// the inverted index or from prior intersections, so ascending order holds.
func IntersectSorted(a, b []int32) []int32 {
	if len(a) > len(b) {
		a, b = b, a
	}
	out := make([]int32, 0, len(a))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
