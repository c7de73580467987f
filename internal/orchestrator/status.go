// Package orchestrator owns the run lifecycle: the bounded run queue, the
// single worker that executes runs step by step, the in-memory status store
// behind the trigger surface, and the recorder that persists run history.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"billfetch/internal/types"
)

// Cancellation causes. The worker inspects context.Cause to distinguish a
// requester's cancel from the host shutting down.
var (
	ErrCancelledByRequester = errors.New("run cancelled by requester")
	ErrShutdown             = errors.New("orchestrator is shutting down")
)

// RunView is the externally visible snapshot of a run: the run record plus
// live progress when a step is in flight.
type RunView struct {
	types.OrchestrationRun
	Progress *types.StepProgress `json:"progress,omitempty"`
}

type runState struct {
	run      *types.OrchestrationRun
	progress *types.StepProgress
	// cancel is bound when the worker picks the run up; cancelling a run
	// that is still queued just flips its status.
	cancel context.CancelCauseFunc
}

// StatusStore tracks queued and running runs plus a bounded history of
// finished ones. All access goes through the mutex; snapshots returned to
// callers are copies.
type StatusStore struct {
	mu          sync.Mutex
	active      map[string]*runState
	history     []*types.OrchestrationRun // most recent first
	historySize int
}

// NewStatusStore creates a StatusStore retaining historySize finished runs.
func NewStatusStore(historySize int) *StatusStore {
	if historySize <= 0 {
		historySize = 50
	}
	return &StatusStore{
		active:      make(map[string]*runState),
		historySize: historySize,
	}
}

// Add registers a newly queued run.
func (s *StatusStore) Add(run *types.OrchestrationRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[run.ID] = &runState{run: run}
}

// Get returns a snapshot of the run, checking active runs first and then
// the finished-run history.
func (s *StatusStore) Get(id string) (*RunView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.active[id]; ok {
		return snapshot(st), true
	}
	for _, run := range s.history {
		if run.ID == id {
			return snapshot(&runState{run: run}), true
		}
	}
	return nil, false
}

// List returns snapshots of all active runs followed by the finished-run
// history, most recent first.
func (s *StatusStore) List() []*RunView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]*RunView, 0, len(s.active)+len(s.history))
	for _, st := range s.active {
		views = append(views, snapshot(st))
	}
	for _, run := range s.history {
		views = append(views, snapshot(&runState{run: run}))
	}
	return views
}

// Cancel requests cancellation of a run. A queued run is cancelled
// immediately; a running run transitions to Cancelling and the worker stops
// cooperatively at the next step boundary. Cancelling an already finished
// run is a conflict.
func (s *StatusStore) Cancel(id string) (*RunView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.active[id]
	if !ok {
		for _, run := range s.history {
			if run.ID == id {
				return nil, types.NewAppError(types.ErrCodeConflictRunFinished,
					"run has already finished", nil)
			}
		}
		return nil, types.NewAppError(types.ErrCodeNotFoundRun, "run not found", nil)
	}

	switch st.run.Status {
	case types.RunQueued:
		// Still in the channel; the worker will observe the status and skip.
		now := time.Now()
		st.run.Status = types.RunCancelled
		st.run.CompletedAt = &now
	case types.RunRunning:
		st.run.Status = types.RunCancelling
		if st.cancel != nil {
			st.cancel(ErrCancelledByRequester)
		}
	case types.RunCancelling:
		// Already cancelling; idempotent.
	default:
		return nil, types.NewAppError(types.ErrCodeConflictRunFinished,
			"run has already finished", nil)
	}
	return snapshot(st), nil
}

// begin transitions a queued run to Running, stamping StartedAt and binding
// the worker's cancel function, all in one critical section. It returns
// false for any run that is no longer Queued, which is how a cancel that
// landed while the run sat in the channel wins the race: once begin refuses
// a run, no step can start for it.
func (s *StatusStore) begin(id string, startedAt time.Time, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.active[id]
	if !ok || st.run.Status != types.RunQueued {
		return false
	}
	st.run.Status = types.RunRunning
	st.run.StartedAt = &startedAt
	st.cancel = cancel
	return true
}

// update mutates the run record under the lock.
func (s *StatusStore) update(id string, fn func(run *types.OrchestrationRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		fn(st.run)
	}
}

// setProgress publishes live progress for the in-flight step.
func (s *StatusStore) setProgress(id string, p types.StepProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		st.progress = &p
	}
}

// discard removes a run that never made it onto the queue. Unlike finish it
// leaves no history entry.
func (s *StatusStore) discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// finish moves the run from the active set into the bounded history.
func (s *StatusStore) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)

	s.history = append([]*types.OrchestrationRun{st.run}, s.history...)
	if len(s.history) > s.historySize {
		s.history = s.history[:s.historySize]
	}
}

func snapshot(st *runState) *RunView {
	run := *st.run
	if st.run.Steps != nil {
		run.Steps = make(map[types.RunStep]types.StepStats, len(st.run.Steps))
		for k, v := range st.run.Steps {
			run.Steps[k] = v
		}
	}
	view := &RunView{OrchestrationRun: run}
	if st.progress != nil && !run.Status.Finished() {
		p := *st.progress
		view.Progress = &p
	}
	return view
}
