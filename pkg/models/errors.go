package models

import "errors"

// Fatal error kinds raised by the pipeline. Handlers match these with
// errors.Is; everything else wraps one of them with context via fmt.Errorf.
//
// Memory pressure is deliberately NOT an error: the filter cache logs a
// warning, stops inserting, and synthesis proceeds slower. Division by zero
// in derived statistics is recovered locally by substituting 0.
var (
	// ErrInputSchema: unreadable header, unknown column referenced by the
	// configuration, or an otherwise malformed input table.
	ErrInputSchema = errors.New("input schema error")

	// ErrConfigInvalid: unknown synthesis mode or threshold type, missing
	// DP parameters with dp_aggregates enabled, sigma proportions not
	// summing to 1 within tolerance.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrBudget: a DP run requests more per-length budget than the total
	// epsilon allows.
	ErrBudget = errors.New("privacy budget exhausted")

	// ErrIO: output directory missing or unwritable, or a read failure on
	// the input microdata.
	ErrIO = errors.New("io error")
)
