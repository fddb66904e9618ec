package models

// RowTable is the parsed, string-valued form of a microdata file: a header
// plus row-major cells. Every cell is a string; normalization of reserved
// characters and pseudo-numeric artifacts happens at load time, before the
// table reaches the engine.
type RowTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}
