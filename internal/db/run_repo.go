package db

import (
	"context"
	"encoding/json"

	"billfetch/internal/types"
)

// RunRepository provides data access for the orchestration_runs table. It
// backs the run recorder: one row per triggered run, updated after every
// step, never mutated after completion except by archival (an external
// batch job).
type RunRepository struct {
	db DBTX
}

// NewRunRepository creates a RunRepository backed by the given database
// connection (pool or transaction).
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts the run row when a run request is accepted into the queue.
func (r *RunRepository) Create(ctx context.Context, run *types.OrchestrationRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal step stats", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO orchestration_runs
		 (id, requester, requested_at, started_at, completed_at,
		  status, current_step, error, steps)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Requester, run.RequestedAt, run.StartedAt, run.CompletedAt,
		run.Status, run.CurrentStep, run.Error, steps,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert orchestration run", err)
	}
	return nil
}

// Update persists the run's current status, step, error, timestamps, and
// step counters. Called after every phase so partial progress survives a
// mid-run failure.
func (r *RunRepository) Update(ctx context.Context, run *types.OrchestrationRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal step stats", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE orchestration_runs
		 SET started_at = $2,
		     completed_at = $3,
		     status = $4,
		     current_step = $5,
		     error = $6,
		     steps = $7
		 WHERE id = $1`,
		run.ID, run.StartedAt, run.CompletedAt,
		run.Status, run.CurrentStep, run.Error, steps,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update orchestration run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, "orchestration run not found", nil)
	}
	return nil
}

// Get returns one persisted run by ID, or a not-found AppError. The trigger
// surface falls back to this when a run has aged out of the in-memory
// status store.
func (r *RunRepository) Get(ctx context.Context, id string) (*types.OrchestrationRun, error) {
	var (
		run   types.OrchestrationRun
		steps []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, requester, requested_at, started_at, completed_at,
		        status, current_step, error, steps
		 FROM orchestration_runs
		 WHERE id = $1`,
		id,
	).Scan(
		&run.ID, &run.Requester, &run.RequestedAt, &run.StartedAt, &run.CompletedAt,
		&run.Status, &run.CurrentStep, &run.Error, &steps,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRun, "orchestration run not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get orchestration run", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to unmarshal step stats", err)
		}
	}
	return &run, nil
}
