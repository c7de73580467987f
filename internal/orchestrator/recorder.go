package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"billfetch/internal/types"
)

type runPersister interface {
	Create(ctx context.Context, run *types.OrchestrationRun) error
	Update(ctx context.Context, run *types.OrchestrationRun) error
}

// persistTimeout bounds each history write. Writes are detached from the
// run's cancellation so the terminal state of a cancelled run still lands.
const persistTimeout = 10 * time.Second

// Recorder persists run records so history survives restarts and ageout
// from the in-memory status store. Persistence is best-effort: a database
// hiccup is logged and never fails or aborts the run itself.
type Recorder struct {
	repo   runPersister
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(repo runPersister, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// RunAccepted records a freshly queued run.
func (r *Recorder) RunAccepted(ctx context.Context, run *types.OrchestrationRun) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.repo.Create(pctx, run); err != nil {
		r.logger.Error("failed to record accepted run", "run_id", run.ID, "error", err)
	}
}

// RunUpdated records the run's current state. Called after every step and
// on every status transition, so a crash mid-run leaves the last completed
// step's counters on record.
func (r *Recorder) RunUpdated(ctx context.Context, run *types.OrchestrationRun) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.repo.Update(pctx, run); err != nil {
		r.logger.Error("failed to record run update", "run_id", run.ID, "error", err)
	}
}
