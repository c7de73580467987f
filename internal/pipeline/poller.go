package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"billfetch/internal/schedule"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

// Poller is the status check step. It follows up on jobs whose scrape
// request the portal accepted asynchronously, settling each into Completed,
// NeedsReview, or back into the retry cycle. A portal that is still working
// is not a failure; the job simply stays in ScrapeRequested for the next
// run.
//
// In catch-up mode (the scheduled default) only jobs dispatched before
// today are polled, so overnight completions are observed before the run
// spends money on new scrapes. Check-all mode polls everything outstanding
// and backs the manual operator action.
type Poller struct {
	jobs     jobStore
	accounts accountSource
	portal   vendor.PortalAPI
	ledger   *Ledger
	logger   *slog.Logger
	now      func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(jobs jobStore, accounts accountSource, portal vendor.PortalAPI, ledger *Ledger, logger *slog.Logger) *Poller {
	return &Poller{
		jobs:     jobs,
		accounts: accounts,
		portal:   portal,
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the status check step in the given mode with bounded
// parallelism.
func (p *Poller) Run(ctx context.Context, settings *types.Settings, mode types.StatusCheckMode, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error) {
	started := p.now()
	counters := &stepCounters{}

	limit := batchLimit(settings)

	var (
		jobs []*types.Job
		err  error
	)
	switch mode {
	case types.ModeCheckAll:
		jobs, err = p.jobs.ListByStatus(ctx, types.JobScrapeRequested, limit)
	default:
		jobs, err = p.jobs.ListScrapeRequestedBefore(ctx, schedule.Day(p.now()), limit)
	}
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
			p.pollJob(gctx, job, settings, filter, counters)
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
	counters.add(func(s *types.StepStats) { s.Duration = p.now().Sub(started) })
	return counters.stats, err
}

func (p *Poller) pollJob(ctx context.Context, job *types.Job, settings *types.Settings, filter *schedule.Filter, counters *stepCounters) {
	counters.add(func(s *types.StepStats) { s.Processed++ })
	log := p.logger.With("job_id", job.ID, "account_id", job.AccountID)

	if job.VendorTrackingID == "" {
		// Dispatched before tracking IDs were recorded, or the portal never
		// returned one. Nothing to poll; recycle so the dispatcher re-submits.
		log.Warn("scrape-requested job has no tracking id, recycling")
		p.recycle(ctx, job, settings, "", "missing vendor tracking id", log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	acct, err := p.accounts.Get(ctx, job.AccountID)
	if err != nil {
		log.Error("failed to load account for status poll", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	// Status polls are free, so only a blanket exclusion blocks them.
	if excluded, entry := filter.Excluded(acct, types.RequestPeriodicRecheck, p.now()); excluded {
		log.Info("skipping blacklisted account", "blacklist_id", entry.ID)
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	claimed, day, err := p.ledger.Begin(ctx, job.ID, types.RequestPeriodicRecheck, nil)
	if err != nil {
		log.Error("failed to claim execution slot", "error", err)
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}
	if !claimed {
		log.Debug("status already polled today")
		counters.add(func(s *types.StepStats) { s.Skipped++ })
		return
	}

	resp, err := p.portal.PollStatus(ctx, acct, job.VendorTrackingID)
	if err != nil {
		// Transport failure polling a free status endpoint: leave the job
		// untouched, the next run will ask again.
		log.Warn("status poll call failed", "error", err)
		if ferr := p.ledger.Finish(ctx, job.ID, types.RequestPeriodicRecheck, day, nil, false); ferr != nil {
			log.Error("failed to record execution outcome", "error", ferr)
		}
		counters.add(func(s *types.StepStats) { s.Failed++ })
		return
	}

	outcome := resp.Outcome()
	success := outcome == vendor.OutcomeSuccess || outcome == vendor.OutcomePending
	if ferr := p.ledger.Finish(ctx, job.ID, types.RequestPeriodicRecheck, day, resp, success); ferr != nil {
		log.Error("failed to record execution outcome", "error", ferr)
	}

	job.VendorStatusCode = resp.Code
	job.VendorStatusDesc = resp.Description

	switch outcome {
	case vendor.OutcomeSuccess:
		completedAt := p.now()
		job.Status = types.JobCompleted
		job.ScrapeCompletedAt = &completedAt
		job.ErrorMessage = ""
		if err := p.jobs.Update(ctx, job); err != nil {
			log.Error("failed to complete job", "error", err)
			counters.add(func(s *types.StepStats) { s.Failed++ })
			return
		}
		log.Info("scrape completed", "tracking_id", job.VendorTrackingID)
		counters.add(func(s *types.StepStats) { s.Succeeded++ })

	case vendor.OutcomePending:
		// Portal is still working. Update the vendor status for visibility
		// but keep the job where it is.
		if err := p.jobs.Update(ctx, job); err != nil {
			log.Error("failed to record vendor status", "error", err)
		}
		log.Debug("scrape still processing", "vendor_status", resp.Code)
		counters.add(func(s *types.StepStats) { s.Skipped++ })

	case vendor.OutcomeNeedsReview:
		job.Status = types.JobNeedsReview
		job.ErrorMessage = resp.Description
		if err := p.jobs.Update(ctx, job); err != nil {
			log.Error("failed to flag job for review", "error", err)
		}
		log.Warn("job needs review", "vendor_status", resp.Code)
		counters.add(func(s *types.StepStats) { s.Skipped++ })

	case vendor.OutcomeCredentialRejected:
		// Session or credential went bad after dispatch: the job has to go
		// back through credential verification.
		log.Warn("credential rejected during scrape", "vendor_status", resp.Code)
		p.recycleTo(ctx, job, settings, types.JobPending, resp.Code, resp.Description, log)
		counters.add(func(s *types.StepStats) { s.Failed++ })

	default:
		log.Warn("scrape failed on portal side", "vendor_status", resp.Code)
		p.recycle(ctx, job, settings, resp.Code, resp.Description, log)
		counters.add(func(s *types.StepStats) { s.Failed++ })
	}
}

// recycle sends a failed scrape back to CredentialVerified so the dispatcher
// re-submits it, charging one retry. Once the budget is gone the job fails
// permanently.
func (p *Poller) recycle(ctx context.Context, job *types.Job, settings *types.Settings, code, message string, log *slog.Logger) {
	p.recycleTo(ctx, job, settings, types.JobCredentialVerified, code, message, log)
}

func (p *Poller) recycleTo(ctx context.Context, job *types.Job, settings *types.Settings, status types.JobStatus, code, message string, log *slog.Logger) {
	job.RetryCount++
	job.VendorStatusCode = code
	job.ErrorMessage = message
	job.VendorTrackingID = ""
	if job.RetryCount > settings.MaxRetries {
		job.Status = types.JobFailed
		log.Error("job failed permanently", "retry_count", job.RetryCount, "max_retries", settings.MaxRetries)
	} else {
		job.Status = status
	}
	if err := p.jobs.Update(ctx, job); err != nil {
		log.Error("failed to persist job recycle", "error", err)
	}
}
