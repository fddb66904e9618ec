// Package runner drives the end-to-end pipeline: load microdata, count
// combinations, protect the aggregates, synthesize records, reconcile and
// consolidate, then commit the outputs. Runs execute in the background with
// progress readable at any time, the same way the historical scanner jobs
// in earlier rawblock engines do.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/datablock"
	"github.com/rawblock/synthdata-engine/internal/evaluator"
	"github.com/rawblock/synthdata-engine/internal/microdata"
	"github.com/rawblock/synthdata-engine/internal/protect"
	"github.com/rawblock/synthdata-engine/internal/synthesis"
	"github.com/rawblock/synthdata-engine/pkg/models"
)

// StageEvent is emitted as the pipeline moves between stages. Wired to the
// WebSocket hub by the API layer.
type StageEvent struct {
	RunID     string `json:"runId"`
	Stage     string `json:"stage"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Progress is the pipeline's current state for the API.
type Progress struct {
	IsRunning        bool   `json:"isRunning"`
	Stage            string `json:"stage"`
	SensitiveRecords int64  `json:"sensitiveRecords"`
	SyntheticRecords int64  `json:"syntheticRecords"`
	Combinations     int64  `json:"combinations"`
}

// Outputs collects what a completed run produced.
type Outputs struct {
	ReportingLength   int               `json:"reportingLength"`
	SensitiveRecords  int               `json:"sensitiveRecords"`
	SyntheticRecords  int               `json:"syntheticRecords"`
	Reportable        *aggregator.Store `json:"-"`
	EvaluationReport  *evaluator.Report `json:"evaluation,omitempty"`
	SyntheticPath     string            `json:"syntheticPath,omitempty"`
	ReportablePath    string            `json:"reportablePath,omitempty"`
	SensitivePath     string            `json:"sensitivePath,omitempty"`
	AggregatesJSON    string            `json:"aggregatesJsonPath,omitempty"`
	RareByLengthPath  string            `json:"rareByLengthPath,omitempty"`
	SuppressedAttrs   int               `json:"suppressedAttrs"`
	ConsolidatedExtra int               `json:"consolidatedExtra"`
}

// Pipeline executes runs one at a time. Progress counters are atomic so the
// API can read them while a run is in flight.
type Pipeline struct {
	eventFunc func(StageEvent)

	isRunning        atomic.Bool
	stage            atomic.Value // string
	sensitiveRecords atomic.Int64
	syntheticRecords atomic.Int64
	combinations     atomic.Int64
}

// NewPipeline creates a pipeline; eventFunc may be nil.
func NewPipeline(eventFunc func(StageEvent)) *Pipeline {
	p := &Pipeline{eventFunc: eventFunc}
	p.stage.Store("idle")
	return p
}

// GetProgress returns the current state (safe for concurrent reads).
func (p *Pipeline) GetProgress() Progress {
	return Progress{
		IsRunning:        p.isRunning.Load(),
		Stage:            p.stage.Load().(string),
		SensitiveRecords: p.sensitiveRecords.Load(),
		SyntheticRecords: p.syntheticRecords.Load(),
		Combinations:     p.combinations.Load(),
	}
}

func (p *Pipeline) enterStage(runID, stage, detail string) {
	p.stage.Store(stage)
	log.Printf("[Pipeline] run %s: %s %s", runID, stage, detail)
	if p.eventFunc != nil {
		p.eventFunc(StageEvent{
			RunID:     runID,
			Stage:     stage,
			Detail:    detail,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
}

// Execute runs the whole pipeline synchronously and returns its outputs.
// Any stage failure aborts the run; partial outputs are never committed
// because every file write goes through a temp-and-rename commit.
func (p *Pipeline) Execute(ctx context.Context, runID string, cfg *models.JobConfig) (*Outputs, error) {
	if !p.isRunning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("pipeline busy: a run is already in progress")
	}
	defer func() {
		p.isRunning.Store(false)
		p.stage.Store("idle")
	}()

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// ── Stage 1: load and normalize ────────────────────────────────
	p.enterStage(runID, "load", cfg.SensitiveMicrodataPath)
	table, err := microdata.ReadFile(cfg.SensitiveMicrodataPath, cfg.SensitiveMicrodataDelimiter)
	if err != nil {
		return nil, err
	}
	block, err := datablock.FromRowTable(table, cfg)
	if err != nil {
		return nil, err
	}
	p.sensitiveRecords.Store(int64(block.NumRecords()))

	reportingLength := block.NormalizeReportingLength(cfg.ReportingLength)
	out := &Outputs{
		ReportingLength:  reportingLength,
		SensitiveRecords: block.NumRecords(),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ── Stage 2: count sensitive combinations ──────────────────────
	p.enterStage(runID, "aggregate", fmt.Sprintf("reporting length %d", reportingLength))
	sensitive, err := aggregator.Count(block, reportingLength, cfg.ParallelJobs)
	if err != nil {
		return nil, err
	}
	var comboTotal int64
	for _, n := range sensitive.TotalByLength() {
		comboTotal += int64(n)
	}
	p.combinations.Store(comboTotal)

	// ── Stage 3: protect ───────────────────────────────────────────
	p.enterStage(runID, "protect", protectDetail(cfg))
	protector := protect.FromConfig(cfg, synthesis.WorkerRand(cfg.RandomSeed, -1))
	reportable, err := protector.Apply(block, sensitive)
	if err != nil {
		return nil, err
	}
	out.Reportable = reportable

	if cfg.OutputDir != "" {
		if err := p.writeAggregates(cfg, sensitive, reportable, out); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ── Stage 4: synthesize ────────────────────────────────────────
	p.enterStage(runID, "synthesize", string(cfg.SynthesisMode))
	synth := &synthesis.Synthesizer{Block: block, Reportable: reportable, Cfg: cfg}
	result, err := synth.Run()
	if err != nil {
		return nil, err
	}
	records := result.Records
	p.syntheticRecords.Store(int64(len(records)))

	// ── Stage 5: reconcile ─────────────────────────────────────────
	p.enterStage(runID, "reconcile", "")
	records, suppressed := synthesis.Reconcile(records, block, reportable, synthesis.WorkerRand(cfg.RandomSeed, -2))
	out.SuppressedAttrs = len(suppressed)

	// ── Stage 6: consolidate (seeded modes only) ───────────────────
	if cfg.SynthesisMode == models.ModeRowSeeded || cfg.SynthesisMode == models.ModeValueSeeded {
		p.enterStage(runID, "consolidate", fmt.Sprintf("%d leftover attributes", len(result.AvailableAtts)))
		budget := synthesis.ConsolidationBudget(records, block, reportable, result.AvailableAtts, cfg.ReportingResolution)
		extra := synthesis.Consolidate(block, budget, cfg, cfg.RandomSeed)
		records = append(records, extra...)
		out.ConsolidatedExtra = len(extra)
	}
	out.SyntheticRecords = len(records)
	p.syntheticRecords.Store(int64(len(records)))

	// ── Stage 7: commit synthetic microdata ────────────────────────
	if cfg.SyntheticMicrodataPath != "" {
		p.enterStage(runID, "write", cfg.SyntheticMicrodataPath)
		rows := microdata.RecordsToRows(records, block, cfg.MultiValueColumns)
		microdata.SortRows(rows)
		if err := microdata.WriteFile(cfg.SyntheticMicrodataPath, block.Columns, rows); err != nil {
			return nil, err
		}
		out.SyntheticPath = cfg.SyntheticMicrodataPath
	}

	// ── Stage 8: evaluate ──────────────────────────────────────────
	p.enterStage(runID, "evaluate", "")
	synthetic, err := countSynthetic(block, records, reportingLength, cfg.ParallelJobs)
	if err != nil {
		return nil, err
	}
	report := evaluator.Compare(sensitive, synthetic, cfg.ReportingResolution)
	out.EvaluationReport = &report

	p.enterStage(runID, "complete", fmt.Sprintf("%d synthetic records", len(records)))
	return out, nil
}

// countSynthetic rebuilds an aggregate store over the synthetic records,
// rendered through the sensitive block's intern table.
func countSynthetic(block *datablock.DataBlock, records []models.Record, reportingLength, jobs int) (*aggregator.Store, error) {
	return aggregator.CountRecords(block, records, reportingLength, jobs)
}

func protectDetail(cfg *models.JobConfig) string {
	if cfg.DPAggregates {
		return fmt.Sprintf("dp epsilon=%.3f delta=%g", cfg.NoiseEpsilon, cfg.NoiseDelta)
	}
	return fmt.Sprintf("k-anonymity resolution=%d", cfg.ReportingResolution)
}

// writeAggregates commits the sensitive and reportable TSVs, the JSON
// interchange document, and the rare-by-length leakage report.
func (p *Pipeline) writeAggregates(cfg *models.JobConfig, sensitive, reportable *aggregator.Store, out *Outputs) error {
	if info, err := os.Stat(cfg.OutputDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: output directory %q missing", models.ErrIO, cfg.OutputDir)
	}
	join := func(name string) string {
		return filepath.Join(cfg.OutputDir, cfg.Prefix+"_"+name)
	}

	out.SensitivePath = join("sensitive_aggregates.tsv")
	if err := microdata.CommitWriter(out.SensitivePath, func(f *os.File) error {
		return sensitive.WriteTSV(f, aggregator.SensitiveCountHeader)
	}); err != nil {
		return err
	}

	out.ReportablePath = join("reportable_aggregates.tsv")
	if err := microdata.CommitWriter(out.ReportablePath, func(f *os.File) error {
		return reportable.WriteTSV(f, aggregator.ProtectedCountHeader)
	}); err != nil {
		return err
	}

	out.AggregatesJSON = join("reportable_aggregates.json")
	if err := microdata.CommitWriter(out.AggregatesJSON, func(f *os.File) error {
		return reportable.WriteJSON(f)
	}); err != nil {
		return err
	}

	out.RareByLengthPath = join("sensitive_rare_by_length.tsv")
	return microdata.CommitWriter(out.RareByLengthPath, func(f *os.File) error {
		return sensitive.WriteRareByLength(f, cfg.ReportingResolution)
	})
}
