package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billfetch/internal/types"
)

type dueRuleSource interface {
	ListDue(ctx context.Context, asOf time.Time, limit int) ([]*types.Rule, error)
	UpdateSchedule(ctx context.Context, rule *types.Rule) error
}

type jobCreator interface {
	CreateIfAbsent(ctx context.Context, job *types.Job) (bool, error)
}

type accountGetter interface {
	Get(ctx context.Context, id string) (*types.Account, error)
}

// Factory is the job creation step: it turns due rules into pending
// retrieval jobs, one per billing period, and advances each rule's schedule.
//
// Creation and deduplication are one conditional insert keyed on
// (account, period start, period end), so a concurrent run or a manual job
// for the same period results in a skip, never a duplicate. The rule is
// advanced either way — the period is covered, whoever created the job.
type Factory struct {
	rules    dueRuleSource
	jobs     jobCreator
	accounts accountGetter
	logger   *slog.Logger
	now      func() time.Time
}

// NewFactory creates a Factory.
func NewFactory(rules dueRuleSource, jobs jobCreator, accounts accountGetter, logger *slog.Logger) *Factory {
	return &Factory{
		rules:    rules,
		jobs:     jobs,
		accounts: accounts,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the job creation step. Due rules are pulled in batches of
// settings.BatchSize until none remain; each pass re-queries, so a rule that
// is several periods overdue yields one job per pass until caught up.
// TestModeLimit, when set, caps the number of jobs created in this run.
func (f *Factory) Run(ctx context.Context, settings *types.Settings, filter *Filter, progress func(types.StepProgress)) (types.StepStats, error) {
	started := f.now()
	var stats types.StepStats

	batchSize := settings.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	asOf := Day(f.now())
	// Pass cap guards against a rule that keeps failing to advance being
	// returned by every re-query.
	const maxPasses = 100
	batch := 0
	for batch < maxPasses {
		batch++
		rules, err := f.rules.ListDue(ctx, asOf, batchSize)
		if err != nil {
			stats.Duration = f.now().Sub(started)
			return stats, err
		}
		if len(rules) == 0 {
			break
		}

		for i, rule := range rules {
			if err := ctx.Err(); err != nil {
				stats.Duration = f.now().Sub(started)
				return stats, err
			}
			if progress != nil {
				progress(types.StepProgress{
					Current: i + 1, Total: len(rules),
					SubCurrent: batch,
				})
			}
			if settings.TestModeLimit > 0 && stats.Succeeded >= settings.TestModeLimit {
				stats.Duration = f.now().Sub(started)
				f.logger.Info("test mode limit reached, stopping job creation",
					"limit", settings.TestModeLimit)
				return stats, nil
			}
			stats.Processed++
			f.processRule(ctx, rule, filter, &stats)
		}

		if len(rules) < batchSize {
			break
		}
	}

	stats.Duration = f.now().Sub(started)
	return stats, nil
}

func (f *Factory) processRule(ctx context.Context, rule *types.Rule, filter *Filter, stats *types.StepStats) {
	periodStart, periodEnd, err := PeriodBounds(rule, *rule.NextDueDate)
	if err != nil {
		// Uninterpretable cadence: flag for review rather than guessing a
		// period and paying for the wrong document.
		rule.NeedsReview = true
		if uerr := f.rules.UpdateSchedule(ctx, rule); uerr != nil {
			f.logger.Error("failed to flag rule for review", "rule_id", rule.ID, "error", uerr)
		}
		f.logger.Warn("flagged rule for review", "rule_id", rule.ID, "error", err)
		stats.Failed++
		return
	}

	acct, err := f.accounts.Get(ctx, rule.AccountID)
	if err != nil {
		f.logger.Error("failed to load account for rule", "rule_id", rule.ID, "account_id", rule.AccountID, "error", err)
		stats.Failed++
		return
	}

	// A job exists to pay for a document download, so a download or blanket
	// exclusion blocks materialization entirely. The rule still advances:
	// periods inside an exclusion window are deliberately not fetched.
	if excluded, entry := filter.Excluded(acct, types.RequestDocumentDownload, f.now()); excluded {
		f.logger.Info("skipping blacklisted rule",
			"rule_id", rule.ID, "account_id", rule.AccountID, "blacklist_id", entry.ID)
		stats.Skipped++
		f.advanceRule(ctx, rule, stats)
		return
	}

	job := &types.Job{
		ID:          uuid.NewString(),
		AccountID:   rule.AccountID,
		RuleID:      &rule.ID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      types.JobPending,
	}

	created, err := f.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		f.logger.Error("failed to create job", "rule_id", rule.ID, "account_id", rule.AccountID, "error", err)
		stats.Failed++
		return
	}
	if created {
		stats.Succeeded++
		f.logger.Info("created retrieval job",
			"job_id", job.ID, "account_id", rule.AccountID,
			"period_start", periodStart.Format("2006-01-02"),
			"period_end", periodEnd.Format("2006-01-02"))
	} else {
		stats.Skipped++
		f.logger.Debug("job already exists for period",
			"account_id", rule.AccountID,
			"period_start", periodStart.Format("2006-01-02"))
	}

	f.advanceRule(ctx, rule, stats)
}

func (f *Factory) advanceRule(ctx context.Context, rule *types.Rule, stats *types.StepStats) {
	if err := Advance(rule); err != nil {
		f.logger.Warn("could not advance rule schedule", "rule_id", rule.ID, "error", err)
	}
	if err := f.rules.UpdateSchedule(ctx, rule); err != nil {
		f.logger.Error("failed to persist rule schedule", "rule_id", rule.ID, "error", err)
		stats.Failed++
	}
}
