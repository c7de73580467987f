package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"billfetch/internal/schedule"
	"billfetch/internal/security"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

type jobStore interface {
	ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error)
	ListScrapeRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Job, error)
	Update(ctx context.Context, job *types.Job) error
}

type accountSource interface {
	Get(ctx context.Context, id string) (*types.Account, error)
}

type credentialOpener interface {
	Open(sealed []byte) (*security.Credential, error)
}

// stepCounters accumulates StepStats from concurrent workers.
type stepCounters struct {
	mu    sync.Mutex
	stats types.StepStats
}

func (c *stepCounters) add(fn func(s *types.StepStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// batchLimit derives a step's job list limit from settings: BatchSize with a
// fallback for settings rows that predate the column, capped by
// TestModeLimit when set.
func batchLimit(settings *types.Settings) int {
	limit := settings.BatchSize
	if limit <= 0 {
		limit = 500
	}
	if settings.TestModeLimit > 0 && settings.TestModeLimit < limit {
		limit = settings.TestModeLimit
	}
	return limit
}

// Verifier is the credential verification step. For each pending job it
// checks the portal login before any scrape money is spent: verified jobs
// advance to CredentialVerified, rejected or failed checks consume one unit
// of the job's retry budget.
type Verifier struct {
	jobs     jobStore
	accounts accountSource
	sealer   credentialOpener
	portal   vendor.PortalAPI
	ledger   *Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(jobs jobStore, accounts accountSource, sealer credentialOpener, portal vendor.PortalAPI, ledger *Ledger, logger *slog.Logger) *Verifier {
	return &Verifier{
		jobs:     jobs,
		accounts: accounts,
		sealer:   sealer,
		portal:   portal,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the credential verification step over all pending jobs, at
// most settings.MaxParallelRequests checks in flight at once. Blacklisted
// accounts and jobs already checked today are skipped, not failed.
func (v *Verifier) Run(ctx context.Context, settings *types.Settings, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error) {
	started := v.now()
	counters := &stepCounters{}

	jobs, err := v.jobs.ListByStatus(ctx, types.JobPending, batchLimit(settings))
	if err != nil {
		return counters.stats, err
	}

	parallel := settings.MaxParallelRequests
	if parallel <= 0 {
		parallel = 1
	}

	var done int64
	var doneMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v.verifyJob(gctx, job, settings, filter, counters)
			if progress != nil {
				doneMu.Lock()
				done++
				progress(types.StepProgress{Current: int(done), Total: len(jobs)})
				doneMu.Unlock()
			}
			return nil
		})
	}

	err = g.Wait()
	counters.add(func(s *types.StepStats) { s.Duration = v.now().Sub(started) })
	return counters.stats, err
}

func (v *Verifier) verifyJob(ctx context.Context, job *types.Job, settings *types.Settings, filter *schedule.Filter, counters *stepCounters) {
	counters.add(func(s *types.StepStats) { s.Processed++ })
	log := v.logger.With("job_id", job.ID, "account_id", job.AccountID)

	acct, err := v.accounts.Get(ctx, job.AccountID)
	if err != nil {
		log.Error("failed to load account for verification", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	if excluded, entry := filter.Excluded(acct, types.RequestCredentialCheck, v.now()); excluded {
		log.Info("skipping blacklisted account", "blacklist_id", entry.ID)
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	claimed, day, err := v.ledger.Begin(ctx, job.ID, types.RequestCredentialCheck, nil)
	if err != nil {
		log.Error("failed to claim execution slot", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}
	if !claimed {
		log.Debug("credential check already executed today")
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	cred, err := v.sealer.Open(acct.SealedCredential)
	if err != nil {
		log.Error("failed to open sealed credential", "error", err)
		_ = v.ledger.Finish(ctx, job.ID, types.RequestCredentialCheck, day, nil, false)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	resp, err := v.portal.CheckLogin(ctx, acct, cred)
	if err != nil {
		log.Warn("credential check call failed", "error", err)
		if ferr := v.ledger.Finish(ctx, job.ID, types.RequestCredentialCheck, day, nil, false); ferr != nil {
			log.Error("failed to record execution outcome", "error", ferr)
		}
		v.recordFailure(ctx, job, settings, "", err.Error(), log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	outcome := resp.Outcome()
	if ferr := v.ledger.Finish(ctx, job.ID, types.RequestCredentialCheck, day, resp, outcome == vendor.OutcomeSuccess); ferr != nil {
		log.Error("failed to record execution outcome", "error", ferr)
	}

	job.VendorStatusCode = resp.Code
	job.VendorStatusDesc = resp.Description

	switch outcome {
	case vendor.OutcomeSuccess:
		verifiedAt := v.now()
		job.Status = types.JobCredentialVerified
		job.CredentialVerifiedAt = &verifiedAt
		job.ErrorMessage = ""
		if err := v.jobs.Update(ctx, job); err != nil {
			log.Error("failed to advance verified job", "error", err)
			counters.add(func(s *types.StepStats) { s.Failed++ })
			return
		}
		log.Info("credential verified")
		counters.add(func(s *types.StepStats) { s.Succeeded++ })

	case vendor.OutcomeCredentialRejected:
		log.Warn("portal rejected credential", "vendor_status", resp.Code)
		v.recordFailure(ctx, job, settings, resp.Code, resp.Description, log)
		counters.add(func(s *types.StepStats) { s.Failed++ })

	default:
		log.Warn("credential check did not succeed", "vendor_status", resp.Code)
		v.recordFailure(ctx, job, settings, resp.Code, resp.Description, log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
	}
}

// recordFailure charges one retry against the job and fails it permanently
// once the budget is exhausted. The job otherwise stays in its current
// status and is retried on a later run (the ledger guarantees no more than
// one attempt per day).
func (v *Verifier) recordFailure(ctx context.Context, job *types.Job, settings *types.Settings, code, message string, log *slog.Logger) {
	job.RetryCount++
	job.VendorStatusCode = code
	job.ErrorMessage = message
	if job.RetryCount > settings.MaxRetries {
		job.Status = types.JobFailed
		log.Error("job failed permanently", "retry_count", job.RetryCount, "max_retries", settings.MaxRetries)
	}
	if err := v.jobs.Update(ctx, job); err != nil {
		log.Error("failed to persist job failure", "error", err)
	}
}
