package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"billfetch/internal/schedule"
	"billfetch/internal/telemetry"
	"billfetch/internal/types"
)

type settingsSource interface {
	Get(ctx context.Context) (*types.Settings, error)
}

type blacklistSource interface {
	ListActive(ctx context.Context, on time.Time) ([]*types.BlacklistEntry, error)
}

// Step runner interfaces, satisfied by the schedule and pipeline packages.
type (
	syncStep interface {
		Run(ctx context.Context, settings *types.Settings, progress func(types.StepProgress)) (types.StepStats, error)
	}
	createJobsStep interface {
		Run(ctx context.Context, settings *types.Settings, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error)
	}
	verifyStep interface {
		Run(ctx context.Context, settings *types.Settings, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error)
	}
	scrapeStep interface {
		Run(ctx context.Context, settings *types.Settings, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error)
	}
	statusCheckStep interface {
		Run(ctx context.Context, settings *types.Settings, mode types.StatusCheckMode, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error)
	}
)

// Worker is the queue's single consumer. One worker means one run executes
// at a time, which is the concurrency model the execution ledger and the
// vendor's rate limits are built around.
type Worker struct {
	queue    *Queue
	store    *StatusStore
	recorder *Recorder
	metrics  telemetry.Metrics
	logger   *slog.Logger

	settings  settingsSource
	blacklist blacklistSource

	syncer     syncStep
	factory    createJobsStep
	poller     statusCheckStep
	verifier   verifyStep
	dispatcher scrapeStep

	now func() time.Time
}

// WorkerDeps bundles the worker's collaborators.
type WorkerDeps struct {
	Queue     *Queue
	Store     *StatusStore
	Recorder  *Recorder
	Metrics   telemetry.Metrics
	Logger    *slog.Logger
	Settings  settingsSource
	Blacklist blacklistSource

	Syncer     syncStep
	Factory    createJobsStep
	Poller     statusCheckStep
	Verifier   verifyStep
	Dispatcher scrapeStep
}

// NewWorker creates a Worker.
func NewWorker(deps WorkerDeps) *Worker {
	return &Worker{
		queue:      deps.Queue,
		store:      deps.Store,
		recorder:   deps.Recorder,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		settings:   deps.Settings,
		blacklist:  deps.Blacklist,
		syncer:     deps.Syncer,
		factory:    deps.Factory,
		poller:     deps.Poller,
		verifier:   deps.Verifier,
		dispatcher: deps.Dispatcher,
		now:        time.Now,
	}
}

// Run consumes the queue until ctx is cancelled. Intended to be started
// once, in its own goroutine, at process startup.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("orchestration worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("orchestration worker stopping")
			return
		case entry := <-w.queue.Dequeue():
			w.metrics.RecordQueueDepth(ctx, w.queue.Depth())
			w.execute(ctx, entry)
		}
	}
}

func (w *Worker) execute(ctx context.Context, entry *QueuedRun) {
	id := entry.Run.ID
	log := w.logger.With("run_id", id, "requester", entry.Run.Requester)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A run cancelled while still queued cannot be removed from the
	// channel. begin refuses anything that is no longer Queued in the same
	// critical section that flips the run to Running, so a cancel landing
	// between dequeue and here can never be outrun.
	startedAt := w.now()
	if !w.store.begin(id, startedAt, cancel) {
		log.Info("skipping run cancelled while queued")
		w.persist(ctx, id)
		w.store.finish(id)
		return
	}
	w.persist(ctx, id)
	log.Info("run started")

	stepErr := w.runSteps(runCtx, id, entry.Options, log)

	completedAt := w.now()
	cause := context.Cause(runCtx)
	var final types.RunStatus
	var errMsg string
	switch {
	case errors.Is(cause, ErrCancelledByRequester):
		final = types.RunCancelled
	case runCtx.Err() != nil:
		// Parent context cancelled: host shutdown, not a user action. The
		// run is cancelled, not failed, and the message records why.
		final = types.RunCancelled
		errMsg = ErrShutdown.Error()
	case stepErr != nil:
		final = types.RunFailed
		errMsg = stepErr.Error()
	default:
		final = types.RunCompleted
	}

	w.store.update(id, func(run *types.OrchestrationRun) {
		run.Status = final
		run.CompletedAt = &completedAt
		run.Error = errMsg
	})
	w.persist(ctx, id)
	w.metrics.RecordRun(context.WithoutCancel(ctx), final, completedAt.Sub(startedAt))
	w.store.finish(id)

	log.Info("run finished", "status", string(final), "duration", completedAt.Sub(startedAt), "error", errMsg)
}

// runSteps executes the enabled steps in fixed order. A panic in a step is
// contained here: the run fails, counters from completed steps are kept,
// and the worker survives to serve the next run.
func (w *Worker) runSteps(ctx context.Context, id string, opts types.RunOptions, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()

	settings, err := w.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	entries, err := w.blacklist.ListActive(ctx, w.now())
	if err != nil {
		return fmt.Errorf("loading blacklist: %w", err)
	}
	filter := schedule.NewFilter(entries)
	log.Info("run configuration loaded",
		"blacklist_entries", filter.Size(),
		"max_parallel", settings.MaxParallelRequests,
		"max_retries", settings.MaxRetries)

	for _, step := range types.StepOrder {
		if !opts.Enabled(step) {
			continue
		}
		if !stepAllowed(step, settings) {
			log.Info("step disabled by settings", "step", string(step))
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		w.store.update(id, func(run *types.OrchestrationRun) {
			run.CurrentStep = step
		})
		progress := func(p types.StepProgress) {
			w.store.setProgress(id, p)
		}

		log.Info("step started", "step", string(step))
		stats, stepErr := w.runStep(ctx, step, settings, opts, filter, progress)

		w.store.update(id, func(run *types.OrchestrationRun) {
			run.Steps[step] = stats
		})
		w.metrics.RecordStep(context.WithoutCancel(ctx), step, stats)
		w.persist(ctx, id)
		log.Info("step finished", "step", string(step),
			"processed", stats.Processed, "succeeded", stats.Succeeded,
			"failed", stats.Failed, "skipped", stats.Skipped,
			"duration", stats.Duration)

		if stepErr != nil {
			if errors.Is(stepErr, context.Canceled) {
				// Cancellation surfaces through the final-status logic.
				return nil
			}
			return fmt.Errorf("step %s: %w", step, stepErr)
		}
	}
	return nil
}

func (w *Worker) runStep(ctx context.Context, step types.RunStep, settings *types.Settings, opts types.RunOptions, filter *schedule.Filter, progress func(types.StepProgress)) (types.StepStats, error) {
	switch step {
	case types.StepSync:
		return w.syncer.Run(ctx, settings, progress)
	case types.StepCreateJobs:
		return w.factory.Run(ctx, settings, filter, progress)
	case types.StepStatusCheck:
		return w.poller.Run(ctx, settings, opts.StatusCheckMode, filter, progress)
	case types.StepCredentialVerify:
		return w.verifier.Run(ctx, settings, filter, progress)
	case types.StepScrape:
		return w.dispatcher.Run(ctx, settings, filter, progress)
	default:
		return types.StepStats{}, fmt.Errorf("unknown step %q", step)
	}
}

// stepAllowed applies the feature flags from settings on top of the run's
// own step selection.
func stepAllowed(step types.RunStep, settings *types.Settings) bool {
	switch step {
	case types.StepCredentialVerify:
		return settings.EnableCredentialCheck
	case types.StepScrape:
		return settings.EnableScraping
	case types.StepStatusCheck:
		return settings.EnableStatusPoll
	default:
		return true
	}
}

// persist snapshots the run under the store lock and hands it to the
// recorder.
func (w *Worker) persist(ctx context.Context, id string) {
	if view, ok := w.store.Get(id); ok {
		w.recorder.RunUpdated(ctx, &view.OrchestrationRun)
	}
}
