package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/synthdata-engine/internal/aggregator"
	"github.com/rawblock/synthdata-engine/internal/runner"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Synthesis Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	_, err = s.pool.Exec(context.Background(), string(schemaBytes))
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Synthesis Engine Schema initialized")
	return nil
}

// SaveRun persists a run record. Existing rows are updated in place so the
// table tracks each run's latest lifecycle state.
func (s *PostgresStore) SaveRun(ctx context.Context, run *runner.Run) error {
	sql := `
		INSERT INTO pipeline_runs
		(run_id, status, synthesis_mode, reporting_length, reporting_resolution, dp_enabled,
		 sensitive_records, synthetic_records, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    sensitive_records = EXCLUDED.sensitive_records,
		    synthetic_records = EXCLUDED.synthetic_records,
		    error_detail = EXCLUDED.error_detail,
		    updated_at = EXCLUDED.updated_at;
	`
	sensitiveRecords, syntheticRecords, reportingLength := 0, 0, 0
	if run.Outputs != nil {
		sensitiveRecords = run.Outputs.SensitiveRecords
		syntheticRecords = run.Outputs.SyntheticRecords
		reportingLength = run.Outputs.ReportingLength
	}
	_, err := s.pool.Exec(ctx, sql,
		run.ID, string(run.Status), string(run.Config.SynthesisMode),
		reportingLength, run.Config.ReportingResolution, run.Config.DPAggregates,
		sensitiveRecords, syntheticRecords, run.Error, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pipeline run: %v", err)
	}
	return nil
}

// SaveReportableAggregates persists the protected counts of a completed
// run. Only reportable counts ever reach the database — sensitive
// aggregates stay in process memory for the run's lifetime.
func (s *PostgresStore) SaveReportableAggregates(ctx context.Context, runID string, store *aggregator.Store) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertSQL := `
		INSERT INTO reportable_aggregates (run_id, combo_length, selections, protected_count, event_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, selections) DO UPDATE
		SET protected_count = EXCLUDED.protected_count, event_count = EXCLUDED.event_count;
	`
	for k := 1; k <= store.Lengths(); k++ {
		for _, agg := range store.AtLength(k) {
			if _, err := tx.Exec(ctx, insertSQL, runID, k, store.ComboString(agg.Combo), agg.Count, agg.EventCount); err != nil {
				return fmt.Errorf("failed to insert reportable aggregate: %v", err)
			}
		}
	}
	return tx.Commit(ctx)
}

// ReportableAggregateRow is the API shape of a persisted protected count.
type ReportableAggregateRow struct {
	ComboLength    int    `json:"comboLength"`
	Selections     string `json:"selections"`
	ProtectedCount int    `json:"protectedCount"`
	EventCount     int    `json:"eventCount,omitempty"`
}

// GetReportableAggregates pages through a run's persisted protected counts.
func (s *PostgresStore) GetReportableAggregates(ctx context.Context, runID string, page, limit int) ([]ReportableAggregateRow, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	var totalCount int
	countSQL := `SELECT COUNT(*) FROM reportable_aggregates WHERE run_id = $1`
	if err := s.pool.QueryRow(ctx, countSQL, runID).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT combo_length, selections, protected_count, event_count
		FROM reportable_aggregates
		WHERE run_id = $1
		ORDER BY combo_length, selections
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, dataSQL, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ReportableAggregateRow
	for rows.Next() {
		var r ReportableAggregateRow
		if err := rows.Scan(&r.ComboLength, &r.Selections, &r.ProtectedCount, &r.EventCount); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if out == nil {
		out = []ReportableAggregateRow{}
	}
	return out, totalCount, nil
}

// GetPool exposes the connection pool for other subsystems
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
