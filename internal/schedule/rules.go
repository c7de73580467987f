// Package schedule owns the decision of when retrieval work happens: the
// due-date arithmetic for rules, the account-to-rule sync step, the job
// factory that turns due rules into pending jobs, and the blacklist filter.
// Everything here is deterministic calendar math over UTC dates; all vendor
// I/O lives in internal/pipeline.
package schedule

import (
	"fmt"
	"time"

	"billfetch/internal/types"
)

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// anchoredDay returns the given day-of-month within year/month, clamped to
// the month's actual length (anchor 31 lands on Feb 29 in a leap year).
func anchoredDay(year int, month time.Month, day int) time.Time {
	if day < 1 {
		day = 1
	}
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// NextDue computes the rule's next due date strictly after the given date.
//
// Calendar cadences advance month-wise from the previous due date and
// re-anchor on the rule's DayOfMonth each time, so a February clamp does not
// permanently shift a day-31 rule. Fixed-day cadences add PeriodDays.
//
// A rule that is several periods overdue advances one cadence per call; the
// factory creates one job per period until the rule catches up, so no billing
// period is silently skipped.
func NextDue(rule *types.Rule, after time.Time) (time.Time, error) {
	after = Day(after)

	if rule.PeriodType == types.PeriodFixedDays {
		if rule.PeriodDays <= 0 {
			return time.Time{}, fmt.Errorf("fixed_days rule has period_days=%d", rule.PeriodDays)
		}
		return after.AddDate(0, 0, rule.PeriodDays), nil
	}

	months := rule.PeriodType.Months()
	if months == 0 {
		return time.Time{}, fmt.Errorf("unrecognized period type %q", rule.PeriodType)
	}

	anchor := rule.DayOfMonth
	if anchor == 0 {
		anchor = after.Day()
	}

	// Step to the anchor in the target month. AddDate on the first of the
	// month avoids the Go normalization surprise (Jan 31 + 1 month = Mar 3).
	firstOfMonth := time.Date(after.Year(), after.Month(), 1, 0, 0, 0, 0, time.UTC)
	next := firstOfMonth.AddDate(0, months, 0)
	due := anchoredDay(next.Year(), next.Month(), anchor)

	if !due.After(after) {
		next = next.AddDate(0, 1, 0)
		due = anchoredDay(next.Year(), next.Month(), anchor)
	}
	return due, nil
}

// PeriodBounds returns the billing period a due date covers: one cadence
// ending the day before the due date. This is the (period_start, period_end)
// pair the job is keyed on.
func PeriodBounds(rule *types.Rule, due time.Time) (start, end time.Time, err error) {
	due = Day(due)
	end = due.AddDate(0, 0, -1)

	if rule.PeriodType == types.PeriodFixedDays {
		if rule.PeriodDays <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("fixed_days rule has period_days=%d", rule.PeriodDays)
		}
		return due.AddDate(0, 0, -rule.PeriodDays), end, nil
	}

	months := rule.PeriodType.Months()
	if months == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("unrecognized period type %q", rule.PeriodType)
	}

	prevMonth := time.Date(due.Year(), due.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -months, 0)
	anchor := rule.DayOfMonth
	if anchor == 0 {
		anchor = due.Day()
	}
	return anchoredDay(prevMonth.Year(), prevMonth.Month(), anchor), end, nil
}

// Advance recomputes the rule's schedule after a job was created for its
// current due date. The due date moves forward exactly one cadence and is
// always strictly greater than the previous one. The retrieval window is
// placed around the new due date and its start is clamped to begin after the
// previous window's end, so consecutive windows never overlap.
//
// When the rule's cadence cannot be interpreted, the rule is flagged
// needs_review instead of being advanced; flagged rules drop out of ListDue
// until an operator clears them.
func Advance(rule *types.Rule) error {
	if rule.NextDueDate == nil {
		rule.NeedsReview = true
		return fmt.Errorf("rule %s has no due date to advance from", rule.ID)
	}

	prevDue := Day(*rule.NextDueDate)
	prevWindowEnd := rule.NextWindowEnd

	due, err := NextDue(rule, prevDue)
	if err != nil {
		rule.NeedsReview = true
		return err
	}

	windowStart := due.AddDate(0, 0, -rule.WindowDaysBefore)
	windowEnd := due.AddDate(0, 0, rule.WindowDaysAfter)
	if prevWindowEnd != nil && !windowStart.After(Day(*prevWindowEnd)) {
		windowStart = Day(*prevWindowEnd).AddDate(0, 0, 1)
		// A trailing window longer than the cadence would push the clamp
		// past the new due date; the window must still contain it.
		if windowStart.After(due) {
			windowStart = due
		}
	}

	rule.NextDueDate = &due
	rule.NextWindowStart = &windowStart
	rule.NextWindowEnd = &windowEnd
	return nil
}

// InitialSchedule seeds a freshly created rule: the first due date is the
// next occurrence of the anchor day strictly after now, with the window
// around it.
func InitialSchedule(rule *types.Rule, now time.Time) error {
	today := Day(now)

	var due time.Time
	if rule.PeriodType == types.PeriodFixedDays {
		d, err := NextDue(rule, today)
		if err != nil {
			rule.NeedsReview = true
			return err
		}
		due = d
	} else {
		if rule.PeriodType.Months() == 0 {
			rule.NeedsReview = true
			return fmt.Errorf("unrecognized period type %q", rule.PeriodType)
		}
		// First occurrence may be in the current month.
		due = anchoredDay(today.Year(), today.Month(), rule.DayOfMonth)
		if !due.After(today) {
			d, err := NextDue(rule, today)
			if err != nil {
				rule.NeedsReview = true
				return err
			}
			due = d
		}
	}

	windowStart := due.AddDate(0, 0, -rule.WindowDaysBefore)
	windowEnd := due.AddDate(0, 0, rule.WindowDaysAfter)
	rule.NextDueDate = &due
	rule.NextWindowStart = &windowStart
	rule.NextWindowEnd = &windowEnd
	return nil
}
