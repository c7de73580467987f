package db

import (
	"context"
	"time"

	"billfetch/internal/types"
)

// RuleRepository provides data access for the retrieval_rules table.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a RuleRepository backed by the given database
// connection (pool or transaction).
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, account_id, job_type, period_type, period_days, day_of_month,
	next_due_date, next_window_start, next_window_end,
	window_days_before, window_days_after,
	enabled, priority, manual_override, needs_review,
	deleted_at, created_at, updated_at`

func scanRule(row interface{ Scan(dest ...any) error }) (*types.Rule, error) {
	var r types.Rule
	err := row.Scan(
		&r.ID, &r.AccountID, &r.JobType, &r.PeriodType, &r.PeriodDays, &r.DayOfMonth,
		&r.NextDueDate, &r.NextWindowStart, &r.NextWindowEnd,
		&r.WindowDaysBefore, &r.WindowDaysAfter,
		&r.Enabled, &r.Priority, &r.ManualOverride, &r.NeedsReview,
		&r.DeletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDue returns enabled, non-deleted, non-flagged rules whose next due
// date has arrived, ordered by priority (descending) then due date. Rules
// with no due date set are excluded; the sync step seeds them first.
func (r *RuleRepository) ListDue(ctx context.Context, asOf time.Time, limit int) ([]*types.Rule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+ruleColumns+`
		 FROM retrieval_rules
		 WHERE enabled
		   AND NOT needs_review
		   AND deleted_at IS NULL
		   AND next_due_date IS NOT NULL
		   AND next_due_date <= $1
		 ORDER BY priority DESC, next_due_date ASC
		 LIMIT $2`,
		asOf, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due rules", err)
	}
	defer rows.Close()

	var rules []*types.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rules", err)
	}
	return rules, nil
}

// Create inserts a new rule. Used by the sync step when an active account
// has no rule for its job type yet. A concurrent insert for the same
// (account, job_type) pair is reported as created=false.
func (r *RuleRepository) Create(ctx context.Context, rule *types.Rule) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO retrieval_rules
		 (id, account_id, job_type, period_type, period_days, day_of_month,
		  next_due_date, next_window_start, next_window_end,
		  window_days_before, window_days_after,
		  enabled, priority, manual_override, needs_review, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		 ON CONFLICT (account_id, job_type) WHERE deleted_at IS NULL DO NOTHING`,
		rule.ID, rule.AccountID, rule.JobType, rule.PeriodType, rule.PeriodDays, rule.DayOfMonth,
		rule.NextDueDate, rule.NextWindowStart, rule.NextWindowEnd,
		rule.WindowDaysBefore, rule.WindowDaysAfter,
		rule.Enabled, rule.Priority, rule.ManualOverride, rule.NeedsReview,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create rule", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateSchedule persists the scheduling fields recomputed after a job was
// created for the rule's current period: due date, window, and the
// needs-review flag.
func (r *RuleRepository) UpdateSchedule(ctx context.Context, rule *types.Rule) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE retrieval_rules
		 SET next_due_date = $2,
		     next_window_start = $3,
		     next_window_end = $4,
		     needs_review = $5,
		     updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		rule.ID, rule.NextDueDate, rule.NextWindowStart, rule.NextWindowEnd, rule.NeedsReview,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update rule schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
	}
	return nil
}

// AccountRepository provides read access to tracked portal accounts.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListActive returns all active accounts with their sealed credentials.
func (r *AccountRepository) ListActive(ctx context.Context) ([]*types.Account, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, vendor_code, job_type, credential_id, billing_anchor_day, active, sealed_credential
		 FROM portal_accounts
		 WHERE active`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query accounts", err)
	}
	defer rows.Close()

	var accounts []*types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.VendorCode, &a.JobType, &a.CredentialID, &a.BillingAnchorDay, &a.Active, &a.SealedCredential); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account", err)
		}
		accounts = append(accounts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating accounts", err)
	}
	return accounts, nil
}

// Get returns one account by ID, or a not-found AppError.
func (r *AccountRepository) Get(ctx context.Context, id string) (*types.Account, error) {
	var a types.Account
	err := r.db.QueryRow(ctx,
		`SELECT id, vendor_code, job_type, credential_id, billing_anchor_day, active, sealed_credential
		 FROM portal_accounts
		 WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.VendorCode, &a.JobType, &a.CredentialID, &a.BillingAnchorDay, &a.Active, &a.SealedCredential)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	return &a, nil
}
