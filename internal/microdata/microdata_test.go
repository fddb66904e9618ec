package microdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeCell(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Plain value", "blue", "blue"},
		{"Literal nan", "nan", ""},
		{"Trailing point zero", "42.0", "42"},
		{"Not numeric keeps suffix", "v1.0", "v1.0"},
		{"Semicolon substituted", "a;b", "a.,b"},
		{"Colon substituted", "a:b", "a..b"},
		{"Whitespace trimmed", "  x ", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeCell(tt.in); got != tt.want {
				t.Errorf("normalizeCell(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReadTabSeparated(t *testing.T) {
	input := "A\tB\n1\tx\n2.0\tnan\n"
	table, err := Read(strings.NewReader(input), "\t")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(table.Columns) != 2 || table.Columns[0] != "A" {
		t.Fatalf("Columns = %v", table.Columns)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("Rows = %d, want 2", len(table.Rows))
	}
	if table.Rows[1][0] != "2" {
		t.Errorf("Numeric coercion artifact survived: %q", table.Rows[1][0])
	}
	if table.Rows[1][1] != "" {
		t.Errorf("nan not normalized: %q", table.Rows[1][1])
	}
}

func TestReadMissingHeader(t *testing.T) {
	if _, err := Read(strings.NewReader(""), "\t"); err == nil {
		t.Fatalf("Expected an error for an empty input")
	}
}

func TestSortRows(t *testing.T) {
	rows := [][]string{
		{"2", "", ""},
		{"1", "x", "z"},
		{"1", "x", ""},
		{"1", "a", "z"},
	}
	SortRows(rows)

	// Fullest rows first, lexicographic among equals.
	if rows[0][1] != "a" || rows[1][1] != "x" {
		t.Errorf("Widest rows not ordered lexicographically: %v", rows[:2])
	}
	if rows[3][0] != "2" {
		t.Errorf("Emptiest row not last: %v", rows[3])
	}
}

func TestWriteFileCommits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synthetic.tsv")

	err := WriteFile(path, []string{"A", "B"}, [][]string{{"1", "x"}, {"2", ""}})
	if err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	want := "A\tB\n1\tx\n2\t\n"
	if string(data) != want {
		t.Errorf("File content = %q, want %q", string(data), want)
	}

	// No temp litter left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Directory holds %d entries after commit, want 1", len(entries))
	}
}

func TestWriteFileMissingDirectory(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "missing", "out.tsv"), []string{"A"}, nil)
	if err == nil {
		t.Fatalf("Expected an error for a missing output directory")
	}
}
