package db

import (
	"context"
	"time"

	"billfetch/internal/types"
)

// JobRepository provides data access for the retrieval_jobs table.
//
// The table carries a partial unique index:
//
//	CREATE UNIQUE INDEX retrieval_jobs_period_uniq
//	ON retrieval_jobs (account_id, period_start, period_end)
//	WHERE deleted_at IS NULL
//
// which is the single most important correctness guarantee in the system:
// at most one non-deleted job per account and billing period, so the same
// period is never paid for twice.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, account_id, rule_id, period_start, period_end,
	status, vendor_status_code, vendor_status_desc, vendor_tracking_id,
	retry_count, manual_request, error_message,
	credential_verified_at, scrape_completed_at,
	deleted_at, created_at, updated_at`

func scanJob(row interface{ Scan(dest ...any) error }) (*types.Job, error) {
	var j types.Job
	err := row.Scan(
		&j.ID, &j.AccountID, &j.RuleID, &j.PeriodStart, &j.PeriodEnd,
		&j.Status, &j.VendorStatusCode, &j.VendorStatusDesc, &j.VendorTrackingID,
		&j.RetryCount, &j.ManualRequest, &j.ErrorMessage,
		&j.CredentialVerifiedAt, &j.ScrapeCompletedAt,
		&j.DeletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateIfAbsent inserts a job for the given billing period, returning
// created=false when a non-deleted job for the same (account, period)
// already exists. A collision — from a concurrent orchestration run or a
// pre-existing manual job — is not an error.
func (r *JobRepository) CreateIfAbsent(ctx context.Context, job *types.Job) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO retrieval_jobs
		 (id, account_id, rule_id, period_start, period_end, status,
		  retry_count, manual_request, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW(), NOW())
		 ON CONFLICT (account_id, period_start, period_end) WHERE deleted_at IS NULL
		 DO NOTHING`,
		job.ID, job.AccountID, job.RuleID, job.PeriodStart, job.PeriodEnd,
		job.Status, job.ManualRequest,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByStatus returns non-deleted jobs in the given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM retrieval_jobs
		 WHERE status = $1 AND deleted_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query jobs by status", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating jobs", err)
	}
	return jobs, nil
}

// ListScrapeRequestedBefore returns ScrapeRequested jobs whose last update
// precedes the cutoff. The StatusCheck catch-up mode uses this to re-check
// yesterday's outstanding jobs before any new scrapes are dispatched.
func (r *JobRepository) ListScrapeRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM retrieval_jobs
		 WHERE status = $1 AND updated_at < $2 AND deleted_at IS NULL
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		types.JobScrapeRequested, cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query outstanding jobs", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating jobs", err)
	}
	return jobs, nil
}

// Update persists the mutable lifecycle fields of a job: status, vendor
// status, retry count, error message, and phase timestamps.
func (r *JobRepository) Update(ctx context.Context, job *types.Job) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE retrieval_jobs
		 SET status = $2,
		     vendor_status_code = $3,
		     vendor_status_desc = $4,
		     vendor_tracking_id = $5,
		     retry_count = $6,
		     error_message = $7,
		     credential_verified_at = $8,
		     scrape_completed_at = $9,
		     updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		job.ID, job.Status, job.VendorStatusCode, job.VendorStatusDesc,
		job.VendorTrackingID, job.RetryCount, job.ErrorMessage,
		job.CredentialVerifiedAt, job.ScrapeCompletedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}
