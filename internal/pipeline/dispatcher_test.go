package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billfetch/internal/schedule"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

func verifiedJob(id string) *types.Job {
	j := pendingJob(id)
	j.Status = types.JobCredentialVerified
	return j
}

func newDispatcher(jobs *fakeJobStore, accounts *fakeAccountSource, portal *fakePortal, store *fakeExecutionStore, t *testing.T) *Dispatcher {
	return NewDispatcher(jobs, accounts, &fakeSealer{}, portal, newTestLedger(t, store), testLogger())
}

func TestDispatcher_AcceptedRequestMarksScrapeRequested(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{docResp: &vendor.Response{
		Code: "ACCEPTED", TrackingID: "trk-42", Final: false,
	}}
	store := &fakeExecutionStore{}

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, portal.docCalls)

	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobScrapeRequested, updated.Status)
	assert.Equal(t, "trk-42", updated.VendorTrackingID)

	require.Len(t, store.inserted, 1)
	assert.Equal(t, types.RequestDocumentDownload, store.inserted[0].RequestType)
}

func TestDispatcher_SynchronousCompletion(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{docResp: &vendor.Response{Code: "COMPLETED", Success: true, Final: true}}
	store := &fakeExecutionStore{}

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobCompleted, updated.Status)
	assert.NotNil(t, updated.ScrapeCompletedAt)
}

func TestDispatcher_SameDayDuplicateSkipped(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{docResp: &vendor.Response{Code: "ACCEPTED", TrackingID: "trk"}}
	store := &fakeExecutionStore{spent: map[string]bool{
		slotKey("j1", types.RequestDocumentDownload): true,
	}}

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, portal.docCalls, "the paid request must not repeat within a day")
}

func TestDispatcher_MissingDocumentFlagsReview(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{docResp: &vendor.Response{
		Code: "DOC_NOT_FOUND", Description: "no invoice for period", Success: false, Final: true,
	}}
	store := &fakeExecutionStore{}

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobNeedsReview, updated.Status)
	assert.Equal(t, 0, updated.RetryCount, "needs-review is not a retry-budget failure")
}

func TestDispatcher_ScrapeFailureChargesRetry(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: accountFor(job)}}
	portal := &fakePortal{docResp: &vendor.Response{Code: "SCRAPE_FAILED", Success: false, Final: true}}
	store := &fakeExecutionStore{}

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), schedule.NewFilter(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	updated := jobs.lastUpdate(t, "j1")
	assert.Equal(t, types.JobCredentialVerified, updated.Status, "within budget the job stays eligible for re-dispatch")
	assert.Equal(t, 1, updated.RetryCount)
}

func TestDispatcher_BlacklistedDownloadSkipped(t *testing.T) {
	job := verifiedJob("j1")
	jobs := &fakeJobStore{jobs: []*types.Job{job}}
	acct := accountFor(job)
	accounts := &fakeAccountSource{accounts: map[string]*types.Account{job.AccountID: acct}}
	portal := &fakePortal{docResp: &vendor.Response{Code: "ACCEPTED", TrackingID: "trk"}}
	store := &fakeExecutionStore{}

	filter := schedule.NewFilter([]*types.BlacklistEntry{
		{ID: 1, AccountID: &acct.ID, Exclusion: types.ExcludeDownload, Active: true},
	})

	d := newDispatcher(jobs, accounts, portal, store, t)
	stats, err := d.Run(context.Background(), testSettings(), filter, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, portal.docCalls)
}
