package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billfetch/internal/types"
)

func testJob() *types.Job {
	return &types.Job{
		ID:          "j1",
		AccountID:   "a1",
		PeriodStart: time.Date(2026, time.July, 15, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, time.August, 14, 0, 0, 0, 0, time.UTC),
		Status:      types.JobPending,
	}
}

func TestJobRepository_CreateIfAbsentInserts(t *testing.T) {
	dbx := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewJobRepository(dbx)

	created, err := repo.CreateIfAbsent(context.Background(), testJob())
	require.NoError(t, err)
	assert.True(t, created)

	// Deduplication rides on the partial unique index over non-deleted rows.
	assert.Contains(t, dbx.gotSQL, "ON CONFLICT (account_id, period_start, period_end) WHERE deleted_at IS NULL")
	assert.Contains(t, dbx.gotSQL, "DO NOTHING")
	assert.Equal(t, "j1", dbx.gotArgs[0])
	assert.Equal(t, "a1", dbx.gotArgs[1])
}

func TestJobRepository_CreateIfAbsentPeriodAlreadyCovered(t *testing.T) {
	dbx := &fakeDB{execTag: pgconn.NewCommandTag("INSERT 0 0")}
	repo := NewJobRepository(dbx)

	created, err := repo.CreateIfAbsent(context.Background(), testJob())
	require.NoError(t, err)
	assert.False(t, created, "a covered period is a skip, not an error")
}

func TestJobRepository_CreateIfAbsentUniqueViolation(t *testing.T) {
	dbx := &fakeDB{execErr: &pgconn.PgError{Code: "23505"}}
	repo := NewJobRepository(dbx)

	created, err := repo.CreateIfAbsent(context.Background(), testJob())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestJobRepository_CreateIfAbsentDatabaseError(t *testing.T) {
	dbx := &fakeDB{execErr: errors.New("connection reset")}
	repo := NewJobRepository(dbx)

	_, err := repo.CreateIfAbsent(context.Background(), testJob())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestJobRepository_UpdatePersistsLifecycleFields(t *testing.T) {
	dbx := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewJobRepository(dbx)

	job := testJob()
	job.Status = types.JobCredentialVerified
	require.NoError(t, repo.Update(context.Background(), job))

	assert.Equal(t, "j1", dbx.gotArgs[0])
	assert.Equal(t, types.JobCredentialVerified, dbx.gotArgs[1])
	assert.Contains(t, dbx.gotSQL, "deleted_at IS NULL")
}

func TestJobRepository_UpdateMissingJobIsNotFound(t *testing.T) {
	dbx := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewJobRepository(dbx)

	err := repo.Update(context.Background(), testJob())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundJob, appErr.Code)
}
