// Package microdata is the file boundary of the engine: it loads delimited
// sensitive tables into normalized RowTables and writes synthetic output.
// The engine core never touches files directly.
package microdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

// normalizeCell scrubs the artifacts of upstream numeric coercion and the
// characters reserved for combination serialization: the literal "nan"
// becomes empty, a trailing ".0" on a numeric-looking cell is dropped, and
// ";" / ":" are substituted with ".," / ".." respectively.
func normalizeCell(v string) string {
	v = strings.TrimSpace(v)
	if v == "nan" {
		return ""
	}
	if strings.HasSuffix(v, ".0") && isNumeric(v[:len(v)-2]) {
		v = v[:len(v)-2]
	}
	v = strings.ReplaceAll(v, ";", ".,")
	v = strings.ReplaceAll(v, ":", "..")
	return v
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Read parses delimited microdata with a header row into a RowTable,
// normalizing every cell.
func Read(r io.Reader, delimiter string) (*models.RowTable, error) {
	cr := csv.NewReader(r)
	if delimiter != "" {
		cr.Comma = rune(delimiter[0])
	} else {
		cr.Comma = '\t'
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable header: %v", models.ErrInputSchema, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	table := &models.RowTable{Columns: header}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
		}
		cells := make([]string, len(header))
		for i := range cells {
			if i < len(row) {
				cells[i] = normalizeCell(row[i])
			}
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}

// ReadFile opens and parses a microdata file.
func ReadFile(path, delimiter string) (*models.RowTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer f.Close()
	return Read(f, delimiter)
}
