// Package history keeps a queryable record of runs and cycles in a
// SQLite database, separate from the per-run state files. The status
// and report commands read it; the orchestrator writes it after every
// cycle.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// RunRow is one run's summary in the database.
type RunRow struct {
	RunID        string
	RunDir       string
	TargetName   string
	TargetValue  float64
	Direction    string
	Status       string
	BestMetric   *float64
	BestCycle    int
	CurrentCycle int
	StartedAt    string
	UpdatedAt    string
}

// CycleRow is one completed cycle's summary.
type CycleRow struct {
	RunID          string
	Cycle          int
	MetricValue    *float64
	DecisionAction string
	TimedOut       bool
	CreatedAt      string
}

// Store wraps the SQLite database. Safe for use from one process; the
// orchestrator is single-threaded by design.
type Store struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// Open creates the database (and schema) at path if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history db path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging history db: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history tables: %w", err)
	}
	return &Store{path: path, db: db}, nil
}

// RecordRun upserts a run's summary row.
func (s *Store) RecordRun(ctx context.Context, row RunRow) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, run_dir, target_name, target_value, direction,
			status, best_metric, best_cycle, current_cycle, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			best_metric = excluded.best_metric,
			best_cycle = excluded.best_cycle,
			current_cycle = excluded.current_cycle,
			updated_at = excluded.updated_at
	`, row.RunID, row.RunDir, row.TargetName, row.TargetValue, row.Direction,
		row.Status, row.BestMetric, row.BestCycle, row.CurrentCycle, row.StartedAt, row.UpdatedAt)
	return err
}

// RecordCycle upserts one cycle's summary row.
func (s *Store) RecordCycle(ctx context.Context, row CycleRow) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO cycles (run_id, cycle, metric_value, decision_action, timed_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, cycle) DO UPDATE SET
			metric_value = excluded.metric_value,
			decision_action = excluded.decision_action,
			timed_out = excluded.timed_out
	`, row.RunID, row.Cycle, row.MetricValue, row.DecisionAction, row.TimedOut, row.CreatedAt)
	return err
}

// ListRuns returns all runs, most recently started first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, run_dir, target_name, target_value, direction,
			status, best_metric, best_cycle, current_cycle, started_at, updated_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var row RunRow
		if err := rows.Scan(&row.RunID, &row.RunDir, &row.TargetName, &row.TargetValue,
			&row.Direction, &row.Status, &row.BestMetric, &row.BestCycle,
			&row.CurrentCycle, &row.StartedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetRun returns one run by ID. The bool reports whether it exists.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRow, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return RunRow{}, false, err
	}
	var row RunRow
	err = db.QueryRowContext(ctx, `
		SELECT run_id, run_dir, target_name, target_value, direction,
			status, best_metric, best_cycle, current_cycle, started_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&row.RunID, &row.RunDir, &row.TargetName, &row.TargetValue,
		&row.Direction, &row.Status, &row.BestMetric, &row.BestCycle,
		&row.CurrentCycle, &row.StartedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRow{}, false, nil
		}
		return RunRow{}, false, err
	}
	return row, true, nil
}

// ListCycles returns a run's cycles in order.
func (s *Store) ListCycles(ctx context.Context, runID string) ([]CycleRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, cycle, metric_value, decision_action, timed_out, created_at
		FROM cycles WHERE run_id = ? ORDER BY cycle ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var row CycleRow
		if err := rows.Scan(&row.RunID, &row.Cycle, &row.MetricValue,
			&row.DecisionAction, &row.TimedOut, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("history store is closed")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			run_dir TEXT NOT NULL,
			target_name TEXT NOT NULL,
			target_value REAL NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			best_metric REAL,
			best_cycle INTEGER NOT NULL DEFAULT 0,
			current_cycle INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS cycles (
			run_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			metric_value REAL,
			decision_action TEXT,
			timed_out INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, cycle)
		);
	`)
	return err
}
