package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billfetch/internal/schedule"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

func newVerifier(jobs *fakeJobStore, accounts *fakeAccountSource, portal *fakePortal, store *fakeExecutionStore, t *testing.T) *Verifier {
	return NewVerifier(jobs, accounts, &fakeSealer{}, portal, newTestLedger(t, store), testLogger())
}

func TestVerifier_SuccessAdvancesJob(t *testing.T) {
	job := pendingJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	v := newVerifier(jobs, accounts, portal, store, t)
	stats, err := v.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, portal.loginCalls)

	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobCredentialVerified, updated.Status)
	assert.NotNil(t, updated.CredentialVerifiedAt)
	assert.Equal(t, "LOGIN_OK", updated.VendorStatusCode)

	// The ledger recorded the attempt.
	require.Len(t, store.inserted, 1)
	assert.Equal(t, types.RequestCredentialCheck, store.inserted[0].RequestType)
	require.Len(t, store.outcomes, 1)
	assert.True(t, store.outcomes[0].Success)
}

func TestVerifier_AlreadyCheckedTodaySkipsCall(t *testing.T) {
	job := pendingJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{spent: map[string]bool{
		slotKey("j1", types.RequestCredentialCheck): true,
	}}

	v := newVerifier(jobs, accounts, portal, store, t)
	stats, err := v.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, portal.loginCalls, "no vendor call when the slot is spent")
	assert.Empty(t, jobs.updated)
}

func TestVerifier_BlacklistedAccountSkipped(t *testing.T) {
	job := pendingJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	acct := accountFor(job)
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: acct}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	filter := schedule.NewFilter([]*types.BlacklistEntry{
		{ID: 1, AccountID: &acct.ID, Exclusion: types.ExcludeAll, Active: true},
	})

	v := newVerifier(jobs, accounts, portal, store, t)
	stats, err := v.Run(context.Background(), testSettings(), filter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, portal.loginCalls)
	assert.Empty(t, store.inserted, "no ledger slot is spent on a blacklisted account")
}

func TestVerifier_RejectionChargesRetry(t *testing.T) {
	job := pendingJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginResp: &vendor.Response{
		Code: "LOGIN_FAILED", Description: "bad password", Success: false, Final: true,
	}}
	store := &fakeExecutionStore{}

	v := newVerifier(jobs, accounts, portal, store, t)
	stats, err := v.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobPending, updated.Status, "within budget the job stays pending for a later run")
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, "bad password", updated.ErrorMessage)
}

func TestVerifier_ExhaustedBudgetFailsJob(t *testing.T) {
	job := pendingJob("j1")
	job.RetryCount = 3 // at the budget; one more failure exceeds it
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_FAILED", Success: false, Final: true}}
	store := &fakeExecutionStore{}

	v := newVerifier(jobs, accounts, portal, store, t)
	_, err := v.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobFailed, updated.Status)
	assert.Equal(t, 4, updated.RetryCount)
}

func TestVerifier_TransportErrorChargesRetry(t *testing.T) {
	job := pendingJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginErr: types.NewAppError(types.ErrCodeUpstreamUnavailable, "portal request failed", errors.New("timeout"))}
	store := &fakeExecutionStore{}

	v := newVerifier(jobs, accounts, portal, store, t)
	stats, err := v.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, 1, updated.RetryCount)

	// The slot is spent even on a transport failure: at most one paid
	// attempt per day, successful or not.
	require.Len(t, store.inserted, 1)
	require.Len(t, store.outcomes, 1)
	assert.False(t, store.outcomes[0].Success)
}

func TestVerifier_ParallelJobsAllProcessed(t *testing.T) {
	var jobList []*types.Job
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{}}
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		j := pendingJob(id)
		jobList = append(jobList, j)
		accounts.accounts[j.AccountID] = accountFor(j)
	}
	jobs := &fakeJobStore{jobs: jobList}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	v := newVerifier(jobs, accounts, portal, store, t)
	settings := testSettings()
	settings.MaxParallelRequests = 3

	var lastProgress types.StepProgress
	stats, err := v.Run(context.Background(), settings, schedule.NewFilter(nil), func(p types.StepProgress) {
		lastProgress = p
	})
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Processed)
	assert.Equal(t, 5, stats.Succeeded)
	assert.Equal(t, 5, portal.loginCalls)
	assert.Equal(t, 5, lastProgress.Current)
	assert.Equal(t, 5, lastProgress.Total)
}

func TestVerifier_TestModeLimitBoundsBatch(t *testing.T) {
	var jobList []*types.Job
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{}}
	for _, id := range []string{"j1", "j2", "j3"} {
		j := pendingJob(id)
		jobList = append(jobList, j)
		accounts.accounts[j.AccountID] = accountFor(j)
	}
	jobs := &limitedJobStore{fakeJobStore: fakeJobStore{jobs: jobList}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	v := NewVerifier(jobs, accounts, &fakeSealer{}, portal, newTestLedger(t, store), testLogger())
	settings := testSettings()
	settings.TestModeLimit = 2

	stats, err := v.Run(context.Background(), settings, schedule.NewFilter(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
}

func TestVerifier_ZeroBatchSizeStillProcesses(t *testing.T) {
	job := pendingJob("j1")
	jobs := &limitedJobStore{fakeJobStore: fakeJobStore{jobs: []*types.Job{job}}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{loginResp: &vendor.Response{Code: "LOGIN_OK", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	v := NewVerifier(jobs, accounts, &fakeSealer{}, portal, newTestLedger(t, store), testLogger())
	settings := testSettings()
	settings.BatchSize = 0 // settings row predates the batch_size column

	stats, err := v.Run(context.Background(), settings, schedule.NewFilter(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed, "a zero batch size falls back to the default, it never disables the step")
	assert.Equal(t, 1, stats.Succeeded)
}

func TestBatchLimit(t *testing.T) {
	tests := []struct {
		name     string
		settings types.Settings
		want     int
	}{
		{"configured", types.Settings{BatchSize: 100}, 100},
		{"zero falls back", types.Settings{}, 500},
		{"negative falls back", types.Settings{BatchSize: -1}, 500},
		{"test mode caps", types.Settings{BatchSize: 100, TestModeLimit: 2}, 2},
		{"test mode caps fallback", types.Settings{TestModeLimit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, batchLimit(&tt.settings))
		})
	}
}

// limitedJobStore honors the limit argument, unlike fakeJobStore.
type limitedJobStore struct {
	fakeJobStore
}

func (f *limitedJobStore) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	jobs, err := f.fakeJobStore.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
