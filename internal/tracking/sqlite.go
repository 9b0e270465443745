package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    experiment  TEXT NOT NULL,
    status      TEXT NOT NULL,
    config      BLOB,
    error       TEXT,
    best_score  REAL,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createEpochsTable = `
CREATE TABLE IF NOT EXISTS epochs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    epoch      INTEGER NOT NULL,
    split      TEXT NOT NULL,
    loss       REAL NOT NULL,
    metrics    TEXT,
    created_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	if _, err := db.Exec(createEpochsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create epochs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, experiment, status, config, error, best_score,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Experiment, r.Status, r.Config, r.Error, r.BestScore,
		r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, experiment, status, config, error, best_score,
			created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.Experiment, &r.Status, &r.Config, &r.Error, &r.BestScore,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total run count.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, experiment, status, config, error, best_score,
			created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		if err := rows.Scan(
			&r.ID, &r.Experiment, &r.Status, &r.Config, &r.Error, &r.BestScore,
			&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus transitions a run's status, rejecting invalid
// transitions. Moving to running sets started_at; terminal statuses set
// finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !ValidTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	now := time.Now().UTC()
	var result sql.Result
	switch status {
	case StatusRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?",
			status, now, id,
		)
	case StatusCompleted, StatusFailed, StatusStopped:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, now, id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun records the terminal state of a run: status, error, best
// score, and finished_at.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *Run) error {
	now := time.Now().UTC()
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, best_score = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Error, r.BestScore, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEpoch inserts one split's metrics for an epoch.
func (s *SQLiteStore) AppendEpoch(ctx context.Context, rec *EpochRecord) error {
	var metricsJSON []byte
	if len(rec.Metrics) > 0 {
		var err error
		metricsJSON, err = json.Marshal(rec.Metrics)
		if err != nil {
			return fmt.Errorf("marshal epoch metrics: %w", err)
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO epochs (run_id, epoch, split, loss, metrics, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Epoch, rec.Split, rec.Loss, metricsJSON, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert epoch: %w", err)
	}
	return nil
}

// GetEpochs returns all epoch records for a run ordered by insertion.
func (s *SQLiteStore) GetEpochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, epoch, split, loss, metrics, created_at
		FROM epochs WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get epochs: %w", err)
	}
	defer rows.Close()

	var records []EpochRecord
	for rows.Next() {
		var rec EpochRecord
		var metricsJSON sql.NullString
		if err := rows.Scan(
			&rec.RunID, &rec.Epoch, &rec.Split, &rec.Loss, &metricsJSON, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		if metricsJSON.Valid && metricsJSON.String != "" {
			if err := json.Unmarshal([]byte(metricsJSON.String), &rec.Metrics); err != nil {
				return nil, fmt.Errorf("parse epoch metrics: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate epochs: %w", err)
	}
	return records, nil
}
