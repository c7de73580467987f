package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billfetch/internal/types"
)

type accountLister interface {
	ListActive(ctx context.Context) ([]*types.Account, error)
}

type ruleCreator interface {
	Create(ctx context.Context, rule *types.Rule) (bool, error)
}

// Syncer reconciles tracked portal accounts with retrieval rules: every
// active account gets exactly one rule per job type. Sync only creates what
// is missing; it never edits or deletes existing rules, so operator
// adjustments survive.
type Syncer struct {
	accounts accountLister
	rules    ruleCreator
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(accounts accountLister, rules ruleCreator, logger *slog.Logger) *Syncer {
	return &Syncer{
		accounts: accounts,
		rules:    rules,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes the sync step. New rules default to a monthly cadence
// anchored on the account's billing anchor day, with the window offsets
// from settings. Creation is a conditional insert, so a rule that already
// exists (including one inserted by a concurrent run) counts as skipped.
func (s *Syncer) Run(ctx context.Context, settings *types.Settings, progress func(types.StepProgress)) (types.StepStats, error) {
	started := s.now()
	var stats types.StepStats

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return stats, err
	}

	for i, acct := range accounts {
		if err := ctx.Err(); err != nil {
			stats.Duration = s.now().Sub(started)
			return stats, err
		}
		if progress != nil {
			progress(types.StepProgress{Current: i + 1, Total: len(accounts)})
		}
		stats.Processed++

		rule := &types.Rule{
			ID:               uuid.NewString(),
			AccountID:        acct.ID,
			JobType:          acct.JobType,
			PeriodType:       types.PeriodMonthly,
			DayOfMonth:       acct.BillingAnchorDay,
			WindowDaysBefore: settings.DefaultWindowDaysBefore,
			WindowDaysAfter:  settings.DefaultWindowDaysAfter,
			Enabled:          true,
		}
		if rule.DayOfMonth < 1 {
			rule.DayOfMonth = 1
		}
		if err := InitialSchedule(rule, s.now()); err != nil {
			s.logger.Warn("could not seed schedule for new rule",
				"account_id", acct.ID, "error", err)
			stats.Failed++
			continue
		}

		created, err := s.rules.Create(ctx, rule)
		if err != nil {
			s.logger.Error("failed to create rule",
				"account_id", acct.ID, "job_type", acct.JobType, "error", err)
			stats.Failed++
			continue
		}
		if created {
			s.logger.Info("created rule for account",
				"account_id", acct.ID, "job_type", acct.JobType,
				"next_due_date", rule.NextDueDate.Format("2006-01-02"))
			stats.Succeeded++
		} else {
			stats.Skipped++
		}
	}

	stats.Duration = s.now().Sub(started)
	return stats, nil
}
