package types

// PeriodType describes how a rule's next due date is derived.
// Calendar-anchored types advance to the next occurrence of the rule's
// day-of-month at the given cadence; PeriodFixedDays adds PeriodDays to the
// previous due date.
type PeriodType string

const (
	PeriodMonthly    PeriodType = "monthly"
	PeriodQuarterly  PeriodType = "quarterly"
	PeriodSemiannual PeriodType = "semiannual"
	PeriodAnnual     PeriodType = "annual"
	PeriodFixedDays  PeriodType = "fixed_days"
)

// Months returns the calendar cadence in months, or 0 for non-calendar types.
func (p PeriodType) Months() int {
	switch p {
	case PeriodMonthly:
		return 1
	case PeriodQuarterly:
		return 3
	case PeriodSemiannual:
		return 6
	case PeriodAnnual:
		return 12
	default:
		return 0
	}
}

// JobStatus is the lifecycle state of a retrieval job.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobCredentialVerified JobStatus = "credential_verified"
	JobScrapeRequested    JobStatus = "scrape_requested"
	JobCompleted          JobStatus = "completed"
	JobNeedsReview        JobStatus = "needs_review"
	JobFailed             JobStatus = "failed"
)

// Terminal reports whether the status permits no further automatic work.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobNeedsReview || s == JobFailed
}

// RequestType identifies one of the vendor API's three logical operations.
type RequestType string

const (
	RequestCredentialCheck  RequestType = "credential_check"
	RequestDocumentDownload RequestType = "document_download"
	RequestPeriodicRecheck  RequestType = "periodic_recheck"
)

// RunStatus is the lifecycle state of an orchestration run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCancelling RunStatus = "cancelling"
	RunCancelled  RunStatus = "cancelled"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Finished reports whether the run has reached a terminal state.
func (s RunStatus) Finished() bool {
	return s == RunCancelled || s == RunCompleted || s == RunFailed
}

// RunStep names one phase of an orchestration run. Steps always execute in
// the order listed here; flags on the run request may skip individual steps
// but never reorder them.
type RunStep string

const (
	StepSync             RunStep = "sync"
	StepCreateJobs       RunStep = "create_jobs"
	StepStatusCheck      RunStep = "status_check"
	StepCredentialVerify RunStep = "credential_verify"
	StepScrape           RunStep = "scrape"
)

// StepOrder is the fixed execution order of run steps.
var StepOrder = []RunStep{
	StepSync,
	StepCreateJobs,
	StepStatusCheck,
	StepCredentialVerify,
	StepScrape,
}

// StatusCheckMode selects which ScrapeRequested jobs the StatusCheck step
// re-polls.
type StatusCheckMode string

const (
	// ModeCatchup re-checks jobs dispatched before today, so overnight
	// completions are observed before new scrapes are submitted.
	ModeCatchup StatusCheckMode = "catchup"
	// ModeCheckAll re-checks every ScrapeRequested job regardless of age.
	// Used for the manual "check statuses" operator action.
	ModeCheckAll StatusCheckMode = "checkall"
)

// ExclusionType scopes a blacklist entry to specific vendor operations.
type ExclusionType string

const (
	ExcludeAll             ExclusionType = "all"
	ExcludeCredentialCheck ExclusionType = "credential_check"
	ExcludeDownload        ExclusionType = "download"
)

// Covers reports whether the exclusion applies to the given request type.
func (e ExclusionType) Covers(rt RequestType) bool {
	switch e {
	case ExcludeAll:
		return true
	case ExcludeCredentialCheck:
		return rt == RequestCredentialCheck
	case ExcludeDownload:
		return rt == RequestDocumentDownload
	default:
		return false
	}
}
