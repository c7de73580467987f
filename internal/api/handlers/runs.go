// Package handlers contains the HTTP handler implementations for the
// BillFetch trigger surface.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billfetch/internal/core"
	"billfetch/internal/orchestrator"
	"billfetch/internal/types"
)

// RunEnqueuer accepts run requests into the queue. Implemented by
// *orchestrator.Queue.
type RunEnqueuer interface {
	Enqueue(ctx context.Context, requester string, opts types.RunOptions) (*types.OrchestrationRun, error)
	Depth() int
}

// RunDirectory reads and cancels runs in the in-memory status store.
// Implemented by *orchestrator.StatusStore.
type RunDirectory interface {
	Get(id string) (*orchestrator.RunView, bool)
	List() []*orchestrator.RunView
	Cancel(id string) (*orchestrator.RunView, error)
}

// RunArchive reads persisted runs that have aged out of the status store.
// Implemented by *db.RunRepository.
type RunArchive interface {
	Get(ctx context.Context, id string) (*types.OrchestrationRun, error)
}

// RunRecorder persists accepted runs. Implemented by *orchestrator.Recorder.
type RunRecorder interface {
	RunAccepted(ctx context.Context, run *types.OrchestrationRun)
	RunUpdated(ctx context.Context, run *types.OrchestrationRun)
}

// RunsHandler exposes the run trigger surface: enqueue, status, list, and
// cancel.
type RunsHandler struct {
	queue     RunEnqueuer
	directory RunDirectory
	archive   RunArchive
	recorder  RunRecorder
	validator *core.Validator
	logger    *slog.Logger
}

// NewRunsHandler creates a RunsHandler.
func NewRunsHandler(queue RunEnqueuer, directory RunDirectory, archive RunArchive, recorder RunRecorder, validator *core.Validator, logger *slog.Logger) *RunsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunsHandler{
		queue:     queue,
		directory: directory,
		archive:   archive,
		recorder:  recorder,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the run endpoints on the v1 router.
func (h *RunsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.HandleEnqueue)
		r.Get("/", h.HandleList)
		r.Get("/{runID}", h.HandleGet)
		r.Post("/{runID}/cancel", h.HandleCancel)
	})
}

// HandleEnqueue handles POST /v1/runs. Accepts a run request into the queue
// and returns 202 with the run ID; a saturated queue is a 503 after the
// enqueue wait elapses.
func (h *RunsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req types.EnqueueRunRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	run, err := h.queue.Enqueue(r.Context(), req.Requester, req.Options())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.recorder.RunAccepted(r.Context(), run)

	h.logger.Info("run enqueued",
		"run_id", run.ID, "requester", run.Requester, "queue_depth", h.queue.Depth())

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{
		Data: types.EnqueueRunResponse{RunID: run.ID, Status: run.Status},
	})
}

// HandleGet handles GET /v1/runs/{runID}. Active and recent runs come from
// the in-memory store; older runs fall back to the persisted history.
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if view, ok := h.directory.Get(runID); ok {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
		return
	}

	run, err := h.archive.Get(r.Context(), runID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: &orchestrator.RunView{OrchestrationRun: *run},
	})
}

// HandleList handles GET /v1/runs: all queued and running runs plus the
// retained history, most recent first.
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	views := h.directory.List()
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: views})
}

// HandleCancel handles POST /v1/runs/{runID}/cancel. A queued run cancels
// immediately; a running run transitions to cancelling and stops at the
// next step boundary. Cancelling a finished run is a 409.
func (h *RunsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	view, err := h.directory.Cancel(runID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Persist the transition so an immediately cancelled queued run is on
	// record even if the process dies before the worker drains it.
	h.recorder.RunUpdated(r.Context(), &view.OrchestrationRun)

	h.logger.Info("run cancel requested", "run_id", runID, "status", string(view.Status))
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: types.CancelRunResponse{RunID: view.ID, Status: view.Status},
	})
}
