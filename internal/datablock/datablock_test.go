package datablock

import (
	"testing"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

func testConfig() *models.JobConfig {
	cfg := &models.JobConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func TestSensitiveZeros(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"C", "D"},
		Rows: [][]string{
			{"0", "0"},
			{"1", "2"},
		},
	}
	cfg := testConfig()
	cfg.SensitiveZeros = []string{"C"}

	block, err := FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}

	if _, ok := block.AttributeID("C", "0"); !ok {
		t.Errorf("Expected (C,0) to be interned for a sensitive_zeros column")
	}
	if _, ok := block.AttributeID("D", "0"); ok {
		t.Errorf("Expected (D,0) to be treated as absent")
	}

	id, _ := block.AttributeID("C", "0")
	if got := len(block.RecordsContaining(id)); got != 1 {
		t.Errorf("Inverted index for (C,0): got %d records, want 1", got)
	}
}

func TestMultiValueColumn(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"T"},
		Rows: [][]string{
			{"a|b|c"},
			{"a|b"},
			{"c"},
		},
	}
	cfg := testConfig()
	cfg.MultiValueColumns = map[string]string{"T": "|"}

	block, err := FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}

	if got := len(block.RecordAttributes(0)); got != 3 {
		t.Fatalf("Record 0: got %d attributes, want 3", got)
	}

	aID, ok := block.AttributeID("T", "a")
	if !ok {
		t.Fatalf("Expected (T,a) to be interned")
	}
	bID, _ := block.AttributeID("T", "b")
	both := IntersectSorted(block.RecordsContaining(aID), block.RecordsContaining(bID))
	if len(both) != 2 {
		t.Errorf("Support of (T,a)+(T,b): got %d, want 2", len(both))
	}
}

func TestUseColumnsUnknownColumn(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"A"},
		Rows:    [][]string{{"1"}},
	}
	cfg := testConfig()
	cfg.UseColumns = []string{"A", "Missing"}

	if _, err := FromRowTable(table, cfg); err == nil {
		t.Fatalf("Expected an input schema error for unknown column")
	}
}

func TestRecordLimit(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"A"},
		Rows:    [][]string{{"1"}, {"2"}, {"3"}},
	}
	cfg := testConfig()
	cfg.RecordLimit = 2

	block, err := FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}
	if block.NumRecords() != 2 {
		t.Errorf("NumRecords() = %d, want 2", block.NumRecords())
	}
}

func TestNormalizeReportingLength(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"A", "B", "C"},
		Rows: [][]string{
			{"1", "x", ""},
			{"2", "y", "z"},
		},
	}
	block, err := FromRowTable(table, testConfig())
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}

	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{"Natural max", -1, 3},
		{"Zero means natural max", 0, 3},
		{"Within bounds", 2, 2},
		{"Clamped to widest record", 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := block.NormalizeReportingLength(tt.requested); got != tt.want {
				t.Errorf("NormalizeReportingLength(%d) = %d, want %d", tt.requested, got, tt.want)
			}
		})
	}
}

func TestCanonicalOrderIsCaseInsensitive(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"b", "A"},
		Rows: [][]string{
			{"2", "1"},
		},
	}
	block, err := FromRowTable(table, testConfig())
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}
	rec := block.RecordAttributes(0)
	if len(rec) != 2 {
		t.Fatalf("Record width = %d, want 2", len(rec))
	}
	if block.AttrString(rec[0]) != "A:1" || block.AttrString(rec[1]) != "b:2" {
		t.Errorf("Canonical order = [%s %s], want [A:1 b:2]",
			block.AttrString(rec[0]), block.AttrString(rec[1]))
	}
}

func TestIntersectSorted(t *testing.T) {
	tests := []struct {
		name string
		a    []int32
		b    []int32
		want int
	}{
		{"Disjoint", []int32{1, 3}, []int32{2, 4}, 0},
		{"Overlap", []int32{1, 2, 3}, []int32{2, 3, 4}, 2},
		{"Subset", []int32{2}, []int32{1, 2, 3}, 1},
		{"Empty", nil, []int32{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(IntersectSorted(tt.a, tt.b)); got != tt.want {
				t.Errorf("IntersectSorted() length = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTwoLevelSubjects(t *testing.T) {
	table := &models.RowTable{
		Columns: []string{"pid", "A"},
		Rows: [][]string{
			{"p1", "x"},
			{"p1", "x"},
			{"p2", "y"},
		},
	}
	cfg := testConfig()
	cfg.SubjectID = "pid"

	block, err := FromRowTable(table, cfg)
	if err != nil {
		t.Fatalf("FromRowTable() error: %v", err)
	}
	if !block.TwoLevel() {
		t.Fatalf("Expected two-level counting to be enabled")
	}
	if block.NumSubjects() != 2 {
		t.Errorf("NumSubjects() = %d, want 2", block.NumSubjects())
	}
	if _, ok := block.AttributeID("pid", "p1"); ok {
		t.Errorf("subject_id column must not be interned as an attribute")
	}
	if block.Subject(0) != block.Subject(1) {
		t.Errorf("Records 0 and 1 share a subject, ids differ")
	}
}
