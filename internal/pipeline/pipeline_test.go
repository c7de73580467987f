package pipeline

// Shared test fakes for the pipeline steps.

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"billfetch/internal/security"
	"billfetch/internal/types"
	"billfetch/internal/vendor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testSettings() *types.Settings {
	return &types.Settings{
		MaxRetries:          3,
		MaxParallelRequests: 2,
		BatchSize:           100,
	}
}

// fakeJobStore serves jobs by status and records updates.
type fakeJobStore struct {
	mu      sync.Mutex
	jobs    []*types.Job
	updated []*types.Job

	listErr   error
	updateErr error
}

func (f *fakeJobStore) ListByStatus(_ context.Context, status types.JobStatus, _ int) ([]*types.Job, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*types.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListScrapeRequestedBefore(_ context.Context, cutoff time.Time, _ int) ([]*types.Job, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*types.Job
	for _, j := range f.jobs {
		if j.Status == types.JobScrapeRequested && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) Update(_ context.Context, job *types.Job) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.updated = append(f.updated, &cp)
	return nil
}

// lastUpdate returns the most recent persisted state of the given job.
func (f *fakeJobStore) lastUpdate(t *testing.T, jobID string) *types.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.updated) - 1; i >= 0; i-- {
		if f.updated[i].ID == jobID {
			return f.updated[i]
		}
	}
	t.Fatalf("job %s was never updated", jobID)
	return nil
}

type fakeAccountSource struct {
	accounts map[string]*types.Account
	err      error
}

func (f *fakeAccountSource) Get(_ context.Context, id string) (*types.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
}

type fakeSealer struct {
	cred *security.Credential
	err  error
}

func (f *fakeSealer) Open([]byte) (*security.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.cred != nil {
		return f.cred, nil
	}
	return &security.Credential{Username: "user", Password: "pass"}, nil
}

// fakePortal returns canned responses and records calls.
type fakePortal struct {
	mu sync.Mutex

	loginResp *vendor.Response
	loginErr  error
	docResp   *vendor.Response
	docErr    error
	pollResp  *vendor.Response
	pollErr   error

	loginCalls int
	docCalls   int
	pollCalls  int
}

func (f *fakePortal) CheckLogin(context.Context, *types.Account, *security.Credential) (*vendor.Response, error) {
	f.mu.Lock()
	f.loginCalls++
	f.mu.Unlock()
	return f.loginResp, f.loginErr
}

func (f *fakePortal) RequestDocument(context.Context, *types.Account, *security.Credential, time.Time, time.Time) (*vendor.Response, error) {
	f.mu.Lock()
	f.docCalls++
	f.mu.Unlock()
	return f.docResp, f.docErr
}

func (f *fakePortal) PollStatus(context.Context, *types.Account, string) (*vendor.Response, error) {
	f.mu.Lock()
	f.pollCalls++
	f.mu.Unlock()
	return f.pollResp, f.pollErr
}

// fakeExecutionStore backs the ledger in tests. spent marks slots already
// claimed.
type fakeExecutionStore struct {
	mu       sync.Mutex
	spent    map[string]bool
	inserted []*types.Execution
	outcomes []*types.Execution
}

func slotKey(jobID string, rt types.RequestType) string {
	return jobID + "/" + string(rt)
}

func (f *fakeExecutionStore) InsertIfFirst(_ context.Context, e *types.Execution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := slotKey(e.JobID, e.RequestType)
	if f.spent[key] {
		return false, nil
	}
	if f.spent == nil {
		f.spent = make(map[string]bool)
	}
	f.spent[key] = true
	f.inserted = append(f.inserted, e)
	return true, nil
}

func (f *fakeExecutionStore) UpdateOutcome(_ context.Context, jobID string, rt types.RequestType, _ time.Time, e *types.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.JobID = jobID
	cp.RequestType = rt
	f.outcomes = append(f.outcomes, &cp)
	return nil
}

func newTestLedger(t *testing.T, store *fakeExecutionStore) *Ledger {
	t.Helper()
	if store.spent == nil {
		store.spent = make(map[string]bool)
	}
	ledger, err := NewLedger(store)
	require.NoError(t, err)
	return ledger
}

func pendingJob(id string) *types.Job {
	return &types.Job{
		ID:          id,
		AccountID:   "acct-" + id,
		PeriodStart: time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, time.February, 14, 0, 0, 0, 0, time.UTC),
		Status:      types.JobPending,
	}
}

func accountFor(job *types.Job) *types.Account {
	return &types.Account{
		ID:           job.AccountID,
		VendorCode:   "acme",
		JobType:      "invoice",
		CredentialID: "cred-" + job.AccountID,
		Active:       true,
	}
}
