package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeNotFoundRun, http.StatusNotFound},
		{ErrCodeConflictRunFinished, http.StatusConflict},
		{ErrCodeQueueSaturated, http.StatusServiceUnavailable},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewAppError(ErrCodeUpstreamUnavailable, "portal request failed", inner)

	assert.True(t, errors.Is(err, inner))

	var appErr *AppError
	require.True(t, errors.As(fmt.Errorf("step scrape: %w", err), &appErr))
	assert.Equal(t, ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestSecretString_Redaction(t *testing.T) {
	secret := SecretString("hunter2")

	assert.NotContains(t, secret.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", secret), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%s", secret), "hunter2")

	raw, err := json.Marshal(struct {
		Token SecretString `json:"token"`
	}{Token: secret})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	assert.Equal(t, "hunter2", secret.Unmask())
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobCredentialVerified.Terminal())
	assert.False(t, JobScrapeRequested.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobNeedsReview.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestRunStatus_Finished(t *testing.T) {
	assert.False(t, RunQueued.Finished())
	assert.False(t, RunRunning.Finished())
	assert.False(t, RunCancelling.Finished())
	assert.True(t, RunCancelled.Finished())
	assert.True(t, RunCompleted.Finished())
	assert.True(t, RunFailed.Finished())
}

func TestExclusionType_Covers(t *testing.T) {
	assert.True(t, ExcludeAll.Covers(RequestCredentialCheck))
	assert.True(t, ExcludeAll.Covers(RequestDocumentDownload))
	assert.True(t, ExcludeAll.Covers(RequestPeriodicRecheck))

	assert.True(t, ExcludeCredentialCheck.Covers(RequestCredentialCheck))
	assert.False(t, ExcludeCredentialCheck.Covers(RequestDocumentDownload))

	assert.True(t, ExcludeDownload.Covers(RequestDocumentDownload))
	assert.False(t, ExcludeDownload.Covers(RequestPeriodicRecheck))
}

func TestEnqueueRunRequest_Options(t *testing.T) {
	t.Run("empty steps means everything", func(t *testing.T) {
		req := &EnqueueRunRequest{Requester: "ops"}
		assert.Equal(t, DefaultRunOptions(), req.Options())
	})

	t.Run("explicit steps select a subset", func(t *testing.T) {
		req := &EnqueueRunRequest{Requester: "ops", Steps: []string{"sync", "scrape"}}
		opts := req.Options()
		assert.True(t, opts.Sync)
		assert.True(t, opts.Scrape)
		assert.False(t, opts.CreateJobs)
		assert.False(t, opts.StatusCheck)
		assert.Equal(t, ModeCatchup, opts.StatusCheckMode)
	})

	t.Run("checkall mode carries through", func(t *testing.T) {
		req := &EnqueueRunRequest{Requester: "ops", StatusCheckMode: "checkall"}
		assert.Equal(t, ModeCheckAll, req.Options().StatusCheckMode)
	})
}
