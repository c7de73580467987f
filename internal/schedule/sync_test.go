package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billfetch/internal/types"
)

type mockAccountLister struct {
	accounts []*types.Account
	err      error
}

func (m *mockAccountLister) ListActive(context.Context) ([]*types.Account, error) {
	return m.accounts, m.err
}

type mockRuleCreator struct {
	created  []*types.Rule
	existing map[string]bool // account IDs that already have a rule
	err      error
}

func (m *mockRuleCreator) Create(_ context.Context, rule *types.Rule) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.existing[rule.AccountID] {
		return false, nil
	}
	m.created = append(m.created, rule)
	return true, nil
}

func TestSyncer_CreatesRulesForAccountsWithoutOne(t *testing.T) {
	accounts := &mockAccountLister{accounts: []*types.Account{
		{ID: "a1", JobType: "invoice", BillingAnchorDay: 12, Active: true},
		{ID: "a2", JobType: "invoice", BillingAnchorDay: 28, Active: true},
	}}
	rules := &mockRuleCreator{existing: map[string]bool{"a2": true}}
	s := NewSyncer(accounts, rules, testLogger())
	s.now = func() time.Time { return date(2026, time.May, 1) }

	settings := &types.Settings{DefaultWindowDaysBefore: 2, DefaultWindowDaysAfter: 5}
	stats, err := s.Run(context.Background(), settings, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Skipped)

	require.Len(t, rules.created, 1)
	rule := rules.created[0]
	assert.Equal(t, "a1", rule.AccountID)
	assert.Equal(t, types.PeriodMonthly, rule.PeriodType)
	assert.Equal(t, 12, rule.DayOfMonth)
	assert.True(t, rule.Enabled)
	assert.Equal(t, 2, rule.WindowDaysBefore)
	assert.Equal(t, 5, rule.WindowDaysAfter)
	require.NotNil(t, rule.NextDueDate)
	assert.Equal(t, date(2026, time.May, 12), *rule.NextDueDate)
}

func TestSyncer_DefaultsAnchorDayToFirst(t *testing.T) {
	accounts := &mockAccountLister{accounts: []*types.Account{
		{ID: "a1", JobType: "invoice", BillingAnchorDay: 0, Active: true},
	}}
	rules := &mockRuleCreator{}
	s := NewSyncer(accounts, rules, testLogger())
	s.now = func() time.Time { return date(2026, time.May, 20) }

	_, err := s.Run(context.Background(), &types.Settings{}, nil)
	require.NoError(t, err)

	require.Len(t, rules.created, 1)
	assert.Equal(t, 1, rules.created[0].DayOfMonth)
	assert.Equal(t, date(2026, time.June, 1), *rules.created[0].NextDueDate)
}

func TestSyncer_ListFailurePropagates(t *testing.T) {
	accounts := &mockAccountLister{err: errors.New("db down")}
	s := NewSyncer(accounts, &mockRuleCreator{}, testLogger())

	_, err := s.Run(context.Background(), &types.Settings{}, nil)
	assert.Error(t, err)
}

func TestSyncer_CreateFailureCountsFailedAndContinues(t *testing.T) {
	accounts := &mockAccountLister{accounts: []*types.Account{
		{ID: "a1", JobType: "invoice", BillingAnchorDay: 3, Active: true},
	}}
	rules := &mockRuleCreator{err: errors.New("insert failed")}
	s := NewSyncer(accounts, rules, testLogger())

	stats, err := s.Run(context.Background(), &types.Settings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}
