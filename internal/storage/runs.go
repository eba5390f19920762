package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Run is one persisted aggregate, written each time the coordinator
// rewrites the result store.
type Run struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	TestCase   string `json:"test_case"`
	Target     string `json:"target"`
	ResultPath string `json:"result_path"`

	DateLabel string  `json:"date"`
	Workers   int     `json:"workers"`
	Sessions  int     `json:"sessions"`
	Requests  int     `json:"requests"`
	E2E       float64 `json:"e2e"`
	TTFT      float64 `json:"ttft"`
	TPOT      float64 `json:"tpot"`

	WeightedE2E  float64 `json:"weighted_e2e"`
	WeightedTTFT float64 `json:"weighted_ttft"`
	WeightedTPOT float64 `json:"weighted_tpot"`
	E2EP99       float64 `json:"e2e_p99"`
	TTFTP99      float64 `json:"ttft_p99"`

	CreatedAt time.Time `json:"created_at"`

	SessionStats []SessionStat `json:"session_stats,omitempty"`
}

// SessionStat is one session's averages as merged into a Run
type SessionStat struct {
	Requests int     `json:"requests"`
	E2E      float64 `json:"e2e"`
	TTFT     float64 `json:"ttft"`
	TPOT     float64 `json:"tpot"`
}

// RunFilter defines criteria for listing runs
type RunFilter struct {
	RunID   string
	Target  string
	Backend string
	Model   string
	Since   time.Time
	Limit   int
}

// RunStore handles run history persistence
type RunStore struct {
	db *DB
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a run and its session rows in one transaction
func (s *RunStore) Create(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, run_id, backend, model, test_case, target, result_path,
			date_label, workers, sessions, requests, e2e, ttft, tpot,
			weighted_e2e, weighted_ttft, weighted_tpot, e2e_p99, ttft_p99,
			created_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?
		)
	`,
		run.ID, run.RunID, run.Backend, run.Model, run.TestCase, run.Target, run.ResultPath,
		run.DateLabel, run.Workers, run.Sessions, run.Requests, run.E2E, run.TTFT, run.TPOT,
		run.WeightedE2E, run.WeightedTTFT, run.WeightedTPOT, run.E2EP99, run.TTFTP99,
		run.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	for i, st := range run.SessionStats {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries (run_row_id, position, requests, e2e, ttft, tpot)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, i, st.Requests, st.E2E, st.TTFT, st.TPOT)
		if err != nil {
			return fmt.Errorf("failed to insert session summary %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `
	id, run_id, backend, model, test_case, target, result_path,
	date_label, workers, sessions, requests, e2e, ttft, tpot,
	weighted_e2e, weighted_ttft, weighted_tpot, e2e_p99, ttft_p99,
	created_at
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID, &run.RunID, &run.Backend, &run.Model, &run.TestCase, &run.Target, &run.ResultPath,
		&run.DateLabel, &run.Workers, &run.Sessions, &run.Requests, &run.E2E, &run.TTFT, &run.TPOT,
		&run.WeightedE2E, &run.WeightedTTFT, &run.WeightedTPOT, &run.E2EP99, &run.TTFTP99,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Get retrieves a run and its session rows by row ID
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT requests, e2e, ttft, tpot
		FROM session_summaries
		WHERE run_row_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st SessionStat
		if err := rows.Scan(&st.Requests, &st.E2E, &st.TTFT, &st.TPOT); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		run.SessionStats = append(run.SessionStats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session summaries: %w", err)
	}

	return run, nil
}

// List returns runs matching the filter, newest first. Session rows are not loaded.
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	var args []interface{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Backend != "" {
		query += " AND backend = ?"
		args = append(args, filter.Backend)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// Delete removes a run and, through the foreign key, its session rows
func (s *RunStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
