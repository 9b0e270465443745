// Package tracking persists experiment runs and their per-epoch metrics.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// validTransitions maps each status to the set of statuses it may
// transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
}

// ValidTransition reports whether moving between two statuses is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// ErrInvalidTransition is returned for a disallowed status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// NewRunID generates a new ULID string for a run.
func NewRunID() string {
	return ulid.Make().String()
}

// Run is one recorded experiment execution.
type Run struct {
	ID         string     `json:"id"`
	Experiment string     `json:"experiment"`
	Status     string     `json:"status"`
	Config     []byte     `json:"config,omitempty"`
	Error      string     `json:"error,omitempty"`
	BestScore  *float64   `json:"best_score,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// EpochRecord is one split's metrics for one epoch of a run.
type EpochRecord struct {
	RunID     string             `json:"run_id"`
	Epoch     int                `json:"epoch"`
	Split     string             `json:"split"`
	Loss      float64            `json:"loss"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Store defines the persistence operations for runs.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	FinishRun(ctx context.Context, r *Run) error
	AppendEpoch(ctx context.Context, rec *EpochRecord) error
	GetEpochs(ctx context.Context, runID string) ([]EpochRecord, error)
	Close() error
}
