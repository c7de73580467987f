package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"billfetch/internal/schedule"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

// Dispatcher is the scrape step. For each credential-verified job it submits
// a document retrieval request to the portal. The portal answers either
// synchronously (rare, small vendors) or with an accepted tracking ID that
// the status poller follows up on in later runs.
type Dispatcher struct {
	jobs     jobStore
	accounts accountSource
	sealer   credentialOpener
	portal   vendor.PortalAPI
	ledger   *Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(jobs jobStore, accounts accountSource, sealer credentialOpener, portal vendor.PortalAPI, ledger *Ledger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		accounts: accounts,
		sealer:   sealer,
		portal:   portal,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the scrape step over all credential-verified jobs with
// bounded parallelism. Each dispatch is a paid request, so the ledger claim
// happens before the call and a same-day duplicate is skipped.
func (d *Dispatcher) Run(ctx context.Context, settings *types.Settings, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error) {
	started := d.now()
	counters := &stepCounters{}

	jobs, err := d.jobs.ListByStatus(ctx, types.JobCredentialVerified, batchLimit(settings))
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
			d.dispatchJob(gctx, job, settings, filter, counters)
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
	counters.add(func(s *types.StepStats) { s.Duration = d.now().Sub(started) })
	return counters.stats, err
}

func (d *Dispatcher) dispatchJob(ctx context.Context, job *types.Job, settings *types.Settings, filter *schedule.Filter, counters *stepCounters) {
	counters.add(func(s *types.StepStats) { s.Processed++ })
	log := d.logger.With("job_id", job.ID, "account_id", job.AccountID)

	acct, err := d.accounts.Get(ctx, job.AccountID)
	if err != nil {
		log.Error("failed to load account for dispatch", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	if excluded, entry := filter.Excluded(acct, types.RequestDocumentDownload, d.now()); excluded {
		log.Info("skipping blacklisted account", "blacklist_id", entry.ID)
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	// The request payload stored in the ledger omits the credential; only
	// the period being requested is audit-relevant.
	auditPayload, _ := json.Marshal(map[string]string{
		"account_id":   job.AccountID,
		"period_start": job.PeriodStart.Format("2006-01-02"),
		"period_end":   job.PeriodEnd.Format("2006-01-02"),
	})

	claimed, day, err := d.ledger.Begin(ctx, job.ID, types.RequestDocumentDownload, auditPayload)
	if err != nil {
		log.Error("failed to claim execution slot", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}
	if !claimed {
		log.Debug("document request already executed today")
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	cred, err := d.sealer.Open(acct.SealedCredential)
	if err != nil {
		log.Error("failed to open sealed credential", "error", err)
		_ = d.ledger.Finish(ctx, job.ID, types.RequestDocumentDownload, day, nil, false)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	resp, err := d.portal.RequestDocument(ctx, acct, cred, job.PeriodStart, job.PeriodEnd)
	if err != nil {
		log.Warn("document request call failed", "error", err)
		if ferr := d.ledger.Finish(ctx, job.ID, types.RequestDocumentDownload, day, nil, false); ferr != nil {
			log.Error("failed to record execution outcome", "error", ferr)
		}
		d.recordFailure(ctx, job, settings, "", err.Error(), log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	outcome := resp.Outcome()
	success := outcome == vendor.OutcomeSuccess || outcome == vendor.OutcomePending
	if ferr := d.ledger.Finish(ctx, job.ID, types.RequestDocumentDownload, day, resp, success); ferr != nil {
		log.Error("failed to record execution outcome", "error", ferr)
	}

	job.VendorStatusCode = resp.Code
	job.VendorStatusDesc = resp.Description

	switch outcome {
	case vendor.OutcomePending:
		job.Status = types.JobScrapeRequested
		job.VendorTrackingID = resp.TrackingID
		job.ErrorMessage = ""
		if err := d.jobs.Update(ctx, job); err != nil {
			log.Error("failed to mark job scrape-requested", "error", err)
			counters.add(func(s *types.StepStats) { s.Failed++ })
			return
		}
		log.Info("scrape request accepted", "tracking_id", resp.TrackingID)
		counters.add(func(s *types.StepStats) { s.Succeeded++ })

	case vendor.OutcomeSuccess:
		completedAt := d.now()
		job.Status = types.JobCompleted
		job.ScrapeCompletedAt = &completedAt
		job.ErrorMessage = ""
		if err := d.jobs.Update(ctx, job); err != nil {
			log.Error("failed to complete job", "error", err)
			counters.add(func(s *types.StepStats) { s.Failed++ })
			return
		}
		log.Info("scrape completed synchronously")
		counters.add(func(s *types.StepStats) { s.Succeeded++ })

	case vendor.OutcomeNeedsReview:
		job.Status = types.JobNeedsReview
		job.ErrorMessage = resp.Description
		if err := d.jobs.Update(ctx, job); err != nil {
			log.Error("failed to flag job for review", "error", err)
		}
		log.Warn("job needs review", "vendor_status", resp.Code)
		counters.add(func(s *types.StepStats) { s.Skipped++ })

	default:
		log.Warn("document request did not succeed", "vendor_status", resp.Code)
		d.recordFailure(ctx, job, settings, resp.Code, resp.Description, log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, job *types.Job, settings *types.Settings, code, message string, log *slog.Logger) {
	job.RetryCount++
	job.VendorStatusCode = code
	job.ErrorMessage = message
	if job.RetryCount > settings.MaxRetries {
		job.Status = types.JobFailed
		log.Error("job failed permanently", "retry_count", job.RetryCount, "max_retries", settings.MaxRetries)
	}
	if err := d.jobs.Update(ctx, job); err != nil {
		log.Error("failed to persist job failure", "error", err)
	}
}
