package microdata

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// RecordsToRows expands attribute-id records into the output column schema.
// Absent cells become empty strings. Multi-value columns join their
// attributes with the column's configured delimiter.
func RecordsToRows(records []models.Record, block *datablock.DataBlock, multiValue map[string]string) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(block.Columns))
		for ci, col := range block.Columns {
			var vals []string
			for _, a := range rec {
				if attr := block.Attribute(a); attr.Column == col {
					vals = append(vals, attr.Value)
				}
			}
			if len(vals) == 0 {
				continue
			}
			if delim, ok := multiValue[col]; ok && delim != "" {
				row[ci] = strings.Join(vals, delim)
			} else {
				row[ci] = vals[0]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// SortRows orders the output rows: primarily by descending count of
// non-empty cells, then lexicographically among equals, so runs with the
// same seed emit identical files.
func SortRows(rows [][]string) {
	nonEmpty := func(row []string) int {
		n := 0
		for _, c := range row {
			if c != "" {
				n++
			}
		}
		return n
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return lessRow(rows[i], rows[j])
	})
	sort.SliceStable(rows, func(i, j int) bool {
		return nonEmpty(rows[i]) > nonEmpty(rows[j])
	})
}

func lessRow(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// WriteFile commits rows as tab-separated text with the given header. The
// file is written to a temporary sibling path and renamed into place, so a
// failed run never leaves a partial output behind.
func WriteFile(path string, columns []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: output directory %q missing", models.ErrIO, dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if _, err := bw.WriteString(strings.Join(columns, "\t") + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	for _, row := range rows {
		if _, err := bw.WriteString(strings.Join(row, "\t") + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", models.ErrIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	return nil
}

// CommitWriter writes through fn into a temporary file and renames it into
// place on success. Used for the aggregate TSV and JSON outputs.
func CommitWriter(path string, fn func(f *os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if err := fn(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	return nil
}
