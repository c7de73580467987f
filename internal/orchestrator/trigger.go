package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"billfetch/internal/types"
)

// TimerRequester is the requester recorded on runs started by the built-in
// periodic trigger.
const TimerRequester = "timer"

// Trigger enqueues a full default run on a fixed interval. A zero interval
// disables it (manual triggers only). If the queue is still saturated when
// the tick fires, the tick is dropped and logged; the next one will try
// again.
type Trigger struct {
	queue    *Queue
	recorder *Recorder
	interval time.Duration
	logger   *slog.Logger
}

// NewTrigger creates a Trigger.
func NewTrigger(queue *Queue, recorder *Recorder, interval time.Duration, logger *slog.Logger) *Trigger {
	return &Trigger{
		queue:    queue,
		recorder: recorder,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled. Intended to be started in its own
// goroutine at process startup.
func (t *Trigger) Run(ctx context.Context) {
	if t.interval <= 0 {
		t.logger.Info("periodic trigger disabled")
		return
	}
	t.logger.Info("periodic trigger started", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("periodic trigger stopping")
			return
		case <-ticker.C:
			run, err := t.queue.Enqueue(ctx, TimerRequester, types.DefaultRunOptions())
			if err != nil {
				t.logger.Warn("periodic trigger could not enqueue run", "error", err)
				continue
			}
			t.recorder.RunAccepted(ctx, run)
			t.logger.Info("periodic run enqueued", "run_id", run.ID)
		}
	}
}
