// Package worker runs pipeline operations in the background. Each run gets
// its own ID, context and event stream; cancelling stops the run at the next
// batch boundary without undoing batches that already completed.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jitrc/MailSweep/internal/pipeline"
)

// EventKind classifies a run event.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is one update from a running operation. Result is the pipeline's
// result value on completion and on cancellation, where it covers the work
// done before the cancel took effect.
type Event struct {
	Kind     EventKind
	Progress pipeline.Progress
	Result   interface{}
	Err      error
}

// Op is one unit of background work. It must honor ctx and may return a
// partial result alongside a context error.
type Op func(ctx context.Context, progress pipeline.ProgressFunc) (interface{}, error)

// Handle tracks one running operation.
type Handle struct {
	ID     string
	Name   string
	Events <-chan Event

	cancel context.CancelFunc
}

// Cancel requests the run to stop. The run still emits its final event.
func (h *Handle) Cancel() {
	h.cancel()
}

// Runner starts and tracks background operations.
type Runner struct {
	logger *logrus.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// NewRunner creates a runner.
func NewRunner(logger *logrus.Logger) *Runner {
	return &Runner{logger: logger, active: make(map[string]*Handle)}
}

// Start launches op on its own goroutine and returns a handle for following
// it. The event channel is closed after the terminal event.
func (r *Runner) Start(name string, op Op) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 64)
	handle := &Handle{
		ID:     uuid.NewString(),
		Name:   name,
		Events: events,
		cancel: cancel,
	}

	r.mu.Lock()
	r.active[handle.ID] = handle
	r.mu.Unlock()

	log := r.logger.WithFields(logrus.Fields{"run_id": handle.ID, "op": name})
	log.Info("operation started")

	go func() {
		defer cancel()
		defer close(events)
		defer func() {
			r.mu.Lock()
			delete(r.active, handle.ID)
			r.mu.Unlock()
		}()

		progress := func(p pipeline.Progress) {
			// A slow consumer must not stall the pipeline; progress events
			// are droppable, terminal events are not.
			select {
			case events <- Event{Kind: EventProgress, Progress: p}:
			default:
			}
		}

		result, err := op(ctx, progress)
		switch {
		case err == nil:
			log.Info("operation completed")
			events <- Event{Kind: EventCompleted, Result: result}
		case errors.Is(err, context.Canceled):
			log.Info("operation cancelled")
			events <- Event{Kind: EventCancelled, Result: result, Err: err}
		default:
			log.WithError(err).Error("operation failed")
			events <- Event{Kind: EventFailed, Result: result, Err: err}
		}
	}()

	return handle
}

// Get returns the handle for a running operation, or nil.
func (r *Runner) Get(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// Active lists the currently running operations.
func (r *Runner) Active() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	return handles
}

// Wait consumes events until the run ends, forwarding progress to fn, and
// returns the terminal event.
func Wait(h *Handle, fn pipeline.ProgressFunc) Event {
	var last Event
	for ev := range h.Events {
		if ev.Kind == EventProgress {
			if fn != nil {
				fn(ev.Progress)
			}
			continue
		}
		last = ev
	}
	return last
}
