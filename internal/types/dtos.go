package types

// RunOptions selects which steps an orchestration run executes and how the
// StatusCheck step behaves. The zero value runs nothing; DefaultRunOptions
// is the full pipeline in catch-up mode.
type RunOptions struct {
	Sync             bool            `json:"sync"`
	CreateJobs       bool            `json:"create_jobs"`
	StatusCheck      bool            `json:"status_check"`
	CredentialVerify bool            `json:"credential_verify"`
	Scrape           bool            `json:"scrape"`
	StatusCheckMode  StatusCheckMode `json:"status_check_mode"`
}

// DefaultRunOptions returns the options used by the periodic timer trigger:
// every step enabled, status check in catch-up mode.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Sync:             true,
		CreateJobs:       true,
		StatusCheck:      true,
		CredentialVerify: true,
		Scrape:           true,
		StatusCheckMode:  ModeCatchup,
	}
}

// Enabled reports whether the given step is selected.
func (o RunOptions) Enabled(step RunStep) bool {
	switch step {
	case StepSync:
		return o.Sync
	case StepCreateJobs:
		return o.CreateJobs
	case StepStatusCheck:
		return o.StatusCheck
	case StepCredentialVerify:
		return o.CredentialVerify
	case StepScrape:
		return o.Scrape
	default:
		return false
	}
}

// EnqueueRunRequest is the body of POST /v1/runs.
type EnqueueRunRequest struct {
	Requester string `json:"requester" validate:"required,max=128"`
	// Steps lists the steps to run; empty means all.
	Steps []string `json:"steps,omitempty" validate:"dive,oneof=sync create_jobs status_check credential_verify scrape"`
	// StatusCheckMode defaults to catchup.
	StatusCheckMode string `json:"status_check_mode,omitempty" validate:"omitempty,oneof=catchup checkall"`
}

// Options translates the request into RunOptions.
func (r *EnqueueRunRequest) Options() RunOptions {
	mode := ModeCatchup
	if r.StatusCheckMode == string(ModeCheckAll) {
		mode = ModeCheckAll
	}
	if len(r.Steps) == 0 {
		opts := DefaultRunOptions()
		opts.StatusCheckMode = mode
		return opts
	}
	opts := RunOptions{StatusCheckMode: mode}
	for _, s := range r.Steps {
		switch RunStep(s) {
		case StepSync:
			opts.Sync = true
		case StepCreateJobs:
			opts.CreateJobs = true
		case StepStatusCheck:
			opts.StatusCheck = true
		case StepCredentialVerify:
			opts.CredentialVerify = true
		case StepScrape:
			opts.Scrape = true
		}
	}
	return opts
}

// EnqueueRunResponse is returned with 202 Accepted when a run is queued.
type EnqueueRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// CancelRunResponse is returned by POST /v1/runs/{id}/cancel.
type CancelRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}
