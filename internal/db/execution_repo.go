package db

import (
	"context"
	"time"

	"billfetch/internal/types"
)

// ExecutionRepository provides data access for the vendor_executions table,
// the append-only ledger of vendor API call attempts.
//
// The table carries:
//
//	CREATE UNIQUE INDEX vendor_executions_daily_uniq
//	ON vendor_executions (job_id, request_type, execution_date)
//
// so the check-then-record sequence is a single conditional insert rather
// than a read-then-write, keeping remote calls idempotent even when two
// orchestration runs race on the same day.
type ExecutionRepository struct {
	db DBTX
}

// NewExecutionRepository creates an ExecutionRepository backed by the given
// database connection (pool or transaction).
func NewExecutionRepository(db DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// InsertIfFirst appends an execution row unless one already exists for the
// same (job, request type, execution date). Returns inserted=false on a
// collision; the caller must then skip the corresponding vendor call.
func (r *ExecutionRepository) InsertIfFirst(ctx context.Context, e *types.Execution) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO vendor_executions
		 (job_id, request_type, started_at, finished_at, execution_date,
		  vendor_status, success, http_status, request_payload, response_payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (job_id, request_type, execution_date) DO NOTHING`,
		e.JobID, e.RequestType, e.StartedAt, e.FinishedAt, e.ExecutionDate,
		e.VendorStatus, e.Success, e.HTTPStatus, e.RequestPayload, e.ResponsePayload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert execution", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateOutcome fills in the result fields of the day's execution row after
// the vendor call returns. Rows are otherwise immutable.
func (r *ExecutionRepository) UpdateOutcome(ctx context.Context, jobID string, rt types.RequestType, day time.Time, e *types.Execution) error {
	_, err := r.db.Exec(ctx,
		`UPDATE vendor_executions
		 SET finished_at = $4,
		     vendor_status = $5,
		     success = $6,
		     http_status = $7,
		     response_payload = $8
		 WHERE job_id = $1 AND request_type = $2 AND execution_date = $3`,
		jobID, rt, day,
		e.FinishedAt, e.VendorStatus, e.Success, e.HTTPStatus, e.ResponsePayload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update execution outcome", err)
	}
	return nil
}
