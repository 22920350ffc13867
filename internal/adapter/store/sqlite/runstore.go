// Package sqlite persists finished workflow runs in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"cidadao-ai/internal/domain"
)

// RunStore implements domain.RunStore on SQLite. The full result is kept as
// JSON next to the indexed columns used for listing.
type RunStore struct {
	db      *sql.DB
	maxRuns int
}

// Open opens (or creates) the database at path and migrates the schema.
// maxRuns > 0 prunes the oldest runs after each save.
func Open(path string, maxRuns int) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// A single connection serializes writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &RunStore{db: db, maxRuns: maxRuns}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_runs (
			execution_id TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL,
			result       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_started ON workflow_runs (started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs (workflow_id, started_at DESC);
	`)
	return err
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces run.
func (s *RunStore) SaveRun(ctx context.Context, run domain.WorkflowResult) error {
	if run.ExecutionID == "" {
		return domain.NewSubSystemError("run", "RunStore.SaveRun", domain.ErrInvalidInput, "execution id is required")
	}
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("%w: marshal run: %w", domain.ErrStoreWrite, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (execution_id, workflow_id, status, started_at, duration_ms, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status      = excluded.status,
			started_at  = excluded.started_at,
			duration_ms = excluded.duration_ms,
			result      = excluded.result`,
		run.ExecutionID, run.WorkflowID, string(run.Status),
		run.StartedAt.UnixNano(), run.Duration.Milliseconds(), string(body),
	); err != nil {
		return fmt.Errorf("%w: insert run: %w", domain.ErrStoreWrite, err)
	}

	if s.maxRuns > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_runs WHERE execution_id NOT IN (
				SELECT execution_id FROM workflow_runs
				ORDER BY started_at DESC, execution_id DESC LIMIT ?
			)`, s.maxRuns); err != nil {
			return fmt.Errorf("%w: prune runs: %w", domain.ErrStoreWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return nil
}

// GetRun returns the run with executionID.
func (s *RunStore) GetRun(ctx context.Context, executionID string) (*domain.WorkflowResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT result FROM workflow_runs WHERE execution_id = ?", executionID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("run", "RunStore.GetRun", domain.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, err
	}
	return decode(body)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]domain.WorkflowResult, error) {
	return s.query(ctx, `SELECT result FROM workflow_runs
		ORDER BY started_at DESC, execution_id DESC LIMIT ?`, sqlLimit(limit))
}

// ListByWorkflow returns up to limit runs of one workflow, newest first.
func (s *RunStore) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowResult, error) {
	return s.query(ctx, `SELECT result FROM workflow_runs WHERE workflow_id = ?
		ORDER BY started_at DESC, execution_id DESC LIMIT ?`, workflowID, sqlLimit(limit))
}

// CountByStatus returns how many stored runs ended in each status.
func (s *RunStore) CountByStatus(ctx context.Context) (map[domain.WorkflowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM workflow_runs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.WorkflowStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.WorkflowStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *RunStore) query(ctx context.Context, q string, args ...any) ([]domain.WorkflowResult, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.WorkflowResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		run, err := decode(body)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func decode(body string) (*domain.WorkflowResult, error) {
	var run domain.WorkflowResult
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
