package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"billfetch/internal/types"
)

// QueuedRun pairs a run record with the options it will execute with.
type QueuedRun struct {
	Run     *types.OrchestrationRun
	Options types.RunOptions
}

// Queue is the bounded in-memory run queue. Enqueue blocks up to
// enqueueWait when the queue is full, so a burst of triggers backpressures
// the caller instead of growing memory; a saturated queue is reported as a
// 503 by the trigger surface.
//
// The queue is consumed by exactly one worker, which is what guarantees at
// most one run is ever executing.
type Queue struct {
	ch          chan *QueuedRun
	enqueueWait time.Duration
	store       *StatusStore
}

// NewQueue creates a Queue with the given capacity and enqueue wait.
func NewQueue(capacity int, enqueueWait time.Duration, store *StatusStore) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:          make(chan *QueuedRun, capacity),
		enqueueWait: enqueueWait,
		store:       store,
	}
}

// Enqueue creates a queued run and places it on the queue. Blocks up to the
// configured wait when the queue is full; a rejected enqueue leaves no trace
// in the status store.
//
// The run is registered in the store before the channel send, so the worker
// can never dequeue a run the store does not know about.
func (q *Queue) Enqueue(ctx context.Context, requester string, opts types.RunOptions) (*types.OrchestrationRun, error) {
	run := &types.OrchestrationRun{
		ID:          uuid.NewString(),
		Requester:   requester,
		RequestedAt: time.Now(),
		Status:      types.RunQueued,
		Steps:       make(map[types.RunStep]types.StepStats),
	}
	entry := &QueuedRun{Run: run, Options: opts}
	q.store.Add(run)

	timer := time.NewTimer(q.enqueueWait)
	defer timer.Stop()

	select {
	case q.ch <- entry:
		return run, nil
	case <-timer.C:
		q.store.discard(run.ID)
		return nil, types.NewAppError(types.ErrCodeQueueSaturated,
			"run queue is full; try again later", nil)
	case <-ctx.Done():
		q.store.discard(run.ID)
		return nil, types.NewAppError(types.ErrCodeQueueSaturated,
			"request cancelled while waiting for queue capacity", ctx.Err())
	}
}

// Dequeue returns the channel the worker consumes.
func (q *Queue) Dequeue() <-chan *QueuedRun {
	return q.ch
}

// Depth returns the number of queued runs.
func (q *Queue) Depth() int {
	return len(q.ch)
}
