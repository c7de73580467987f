// Package types defines the core domain entities, enumerations, and error
// taxonomy shared by every layer of the BillFetch orchestration engine.
// It has no dependencies on other internal packages so that repositories,
// pipeline services, and HTTP handlers can all share one vocabulary.
package types

import "time"

// Rule describes when and how often one retrieval job type should run for
// one account. One rule exists per (account, job type). Rules are soft
// deleted, never removed.
type Rule struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	JobType   string `json:"job_type"`

	PeriodType PeriodType `json:"period_type"`
	// PeriodDays is the cadence in days for PeriodFixedDays rules.
	PeriodDays int `json:"period_days,omitempty"`
	// DayOfMonth anchors calendar-based cadences (1-31; clamped to the
	// target month's length when advancing).
	DayOfMonth int `json:"day_of_month,omitempty"`

	NextDueDate     *time.Time `json:"next_due_date,omitempty"`
	NextWindowStart *time.Time `json:"next_window_start,omitempty"`
	NextWindowEnd   *time.Time `json:"next_window_end,omitempty"`

	WindowDaysBefore int `json:"window_days_before"`
	WindowDaysAfter  int `json:"window_days_after"`

	Enabled bool `json:"enabled"`
	// Priority orders job creation when many rules fall due on the same day.
	Priority int `json:"priority"`
	// ManualOverride marks the billing-pattern fields (period type,
	// day-of-month) as operator-pinned, so the account-sync pipeline that
	// recomputes them from observed documents leaves this rule alone. The
	// engine persists and serves the flag but never recomputes those fields
	// itself; the due date still advances after each job creation.
	ManualOverride bool `json:"manual_override"`
	// NeedsReview is set when the scheduler cannot interpret the rule
	// (e.g. unrecognized period type). Flagged rules are skipped, never
	// silently defaulted.
	NeedsReview bool `json:"needs_review"`

	DeletedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Job is one unit of retrieval work: a specific billing period for one
// account. Jobs are unique on (account, period start, period end) among
// non-deleted rows — the constraint that prevents duplicate paid vendor
// requests for the same period.
type Job struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	// RuleID is kept for traceability; nil for manually requested jobs.
	RuleID *string `json:"rule_id,omitempty"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Status           JobStatus `json:"status"`
	VendorStatusCode string    `json:"vendor_status_code,omitempty"`
	VendorStatusDesc string    `json:"vendor_status_desc,omitempty"`
	// VendorTrackingID identifies the accepted asynchronous scrape request
	// on the portal side; set when the job enters ScrapeRequested.
	VendorTrackingID string `json:"vendor_tracking_id,omitempty"`
	RetryCount       int       `json:"retry_count"`
	ManualRequest    bool      `json:"manual_request"`
	ErrorMessage     string    `json:"error_message,omitempty"`

	CredentialVerifiedAt *time.Time `json:"credential_verified_at,omitempty"`
	ScrapeCompletedAt    *time.Time `json:"scrape_completed_at,omitempty"`

	DeletedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Execution records one attempt to call the vendor API for a job. Rows are
// append-only and unique on (job, request type, execution date), which makes
// the ledger the idempotency guard for every call that costs money.
type Execution struct {
	ID          int64       `json:"id"`
	JobID       string      `json:"job_id"`
	RequestType RequestType `json:"request_type"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// ExecutionDate is the UTC calendar day the attempt belongs to. The
	// one-execution-per-day invariant is evaluated against this column.
	ExecutionDate time.Time `json:"execution_date"`

	VendorStatus string `json:"vendor_status,omitempty"`
	Success      bool   `json:"success"`
	HTTPStatus   int    `json:"http_status,omitempty"`

	// Raw request/response payloads, zstd-compressed before persistence.
	RequestPayload  []byte `json:"-"`
	ResponsePayload []byte `json:"-"`
}

// StepStats holds the per-step counters and duration published to the status
// store after every phase and persisted by the run recorder.
type StepStats struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration_ms"`
}

// StepProgress is the live current/total indicator for the in-flight step,
// with an optional sub-step indicator (e.g. batch 3/7 within a phase).
type StepProgress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	SubCurrent int `json:"sub_current,omitempty"`
	SubTotal   int `json:"sub_total,omitempty"`
}

// OrchestrationRun tracks one end-to-end invocation of the pipeline.
type OrchestrationRun struct {
	ID        string `json:"id"`
	Requester string `json:"requester"`

	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Status      RunStatus `json:"status"`
	CurrentStep RunStep   `json:"current_step,omitempty"`
	Error       string    `json:"error,omitempty"`

	Steps map[RunStep]StepStats `json:"steps,omitempty"`
}

// Settings is the singleton orchestration configuration row. It is read once
// at the start of each run and treated as immutable for the run's duration;
// edits take effect on the next run.
type Settings struct {
	MaxRetries          int `json:"max_retries"`
	MaxParallelRequests int `json:"max_parallel_requests"`
	BatchSize           int `json:"batch_size"`

	DefaultWindowDaysBefore int `json:"default_window_days_before"`
	DefaultWindowDaysAfter  int `json:"default_window_days_after"`

	// TestModeLimit caps the number of jobs touched per step when > 0.
	TestModeLimit int `json:"test_mode_limit"`

	EnableCredentialCheck bool `json:"enable_credential_check"`
	EnableScraping        bool `json:"enable_scraping"`
	EnableStatusPoll      bool `json:"enable_status_poll"`
}

// BlacklistEntry excludes accounts, vendors, or credentials from vendor
// operations. Any subset of the match criteria may be set; unset criteria
// match everything.
type BlacklistEntry struct {
	ID           int64         `json:"id"`
	VendorCode   *string       `json:"vendor_code,omitempty"`
	AccountID    *string       `json:"account_id,omitempty"`
	CredentialID *string       `json:"credential_id,omitempty"`
	Exclusion    ExclusionType `json:"exclusion_type"`

	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	Active        bool       `json:"active"`
}

// Matches reports whether the entry excludes the given account for the given
// request type on the given date.
func (b *BlacklistEntry) Matches(acct *Account, rt RequestType, on time.Time) bool {
	if !b.Active || !b.Exclusion.Covers(rt) {
		return false
	}
	if b.EffectiveFrom != nil && on.Before(*b.EffectiveFrom) {
		return false
	}
	if b.EffectiveTo != nil && on.After(*b.EffectiveTo) {
		return false
	}
	if b.VendorCode != nil && *b.VendorCode != acct.VendorCode {
		return false
	}
	if b.AccountID != nil && *b.AccountID != acct.ID {
		return false
	}
	if b.CredentialID != nil && *b.CredentialID != acct.CredentialID {
		return false
	}
	return true
}

// Account is a tracked vendor-portal account. The credential blob is sealed
// at rest (see internal/security) and decrypted only when a vendor call is
// issued.
type Account struct {
	ID           string `json:"id"`
	VendorCode   string `json:"vendor_code"`
	JobType      string `json:"job_type"`
	CredentialID string `json:"credential_id"`
	// BillingAnchorDay seeds DayOfMonth when the sync step creates the
	// account's rule.
	BillingAnchorDay int  `json:"billing_anchor_day"`
	Active           bool `json:"active"`

	SealedCredential []byte `json:"-"`
}
