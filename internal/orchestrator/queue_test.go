package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billfetch/internal/types"
)

func TestQueue_EnqueueRegistersQueuedRun(t *testing.T) {
	store := NewStatusStore(10)
	q := NewQueue(2, 50*time.Millisecond, store)

	run, err := q.Enqueue(context.Background(), "operator", types.DefaultRunOptions())
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, types.RunQueued, run.Status)
	assert.Equal(t, "operator", run.Requester)
	assert.Equal(t, 1, q.Depth())

	view, ok := store.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, types.RunQueued, view.Status)
}

func TestQueue_SaturationAfterWait(t *testing.T) {
	store := NewStatusStore(10)
	q := NewQueue(1, 20*time.Millisecond, store)

	_, err := q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	elapsed := time.Since(start)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeQueueSaturated, appErr.Code)
	assert.Equal(t, 503, appErr.HTTPStatus())
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "enqueue blocks for the configured wait before giving up")
}

func TestQueue_BlockedEnqueueProceedsWhenSpaceFrees(t *testing.T) {
	store := NewStatusStore(10)
	q := NewQueue(1, time.Second, store)

	_, err := q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.NoError(t, err)

	// Free the slot shortly after the second enqueue starts waiting.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-q.Dequeue()
	}()

	run, err := q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
}

func TestQueue_EnqueueHonorsContextCancellation(t *testing.T) {
	store := NewStatusStore(10)
	q := NewQueue(1, time.Minute, store)

	_, err := q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = q.Enqueue(ctx, "op", types.DefaultRunOptions())
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeQueueSaturated, appErr.Code)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The abandoned run leaves no trace in the store.
	assert.Len(t, store.List(), 1)
}

func TestQueue_SaturatedEnqueueLeavesNoTrace(t *testing.T) {
	store := NewStatusStore(10)
	q := NewQueue(1, 10*time.Millisecond, store)

	first, err := q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "op", types.DefaultRunOptions())
	require.Error(t, err)

	// Only the accepted run is visible.
	views := store.List()
	require.Len(t, views, 1)
	assert.Equal(t, first.ID, views[0].ID)
}
