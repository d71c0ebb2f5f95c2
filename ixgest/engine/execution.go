package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
)

// Window is the half-open time range [From, To) a run covers. A zero From
// means "from the beginning".
type Window struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Checkpointer persists a run's progress, normally by forwarding it to the
// scheduler under the instance lease.
type Checkpointer interface {
	Checkpoint(ctx context.Context, state, partial json.RawMessage, failures []job.IngestionFailure) error
}

// CheckpointFunc adapts a function into a Checkpointer
type CheckpointFunc func(ctx context.Context, state, partial json.RawMessage, failures []job.IngestionFailure) error

func (f CheckpointFunc) Checkpoint(ctx context.Context, state, partial json.RawMessage, failures []job.IngestionFailure) error {
	return f(ctx, state, partial, failures)
}

// Execution is what a controller sees of its run
type Execution struct {
	JobID             string
	Query             json.RawMessage
	IntermediateState json.RawMessage
	Partial           bool
	Window            Window

	checkpointer Checkpointer
	canceled     atomic.Bool
	logger       *zap.SugaredLogger

	mu    sync.Mutex
	state json.RawMessage
	// delivered went to the scheduler with a checkpoint; pending still
	// has to travel with the completion
	delivered []job.IngestionFailure
	pending   []job.IngestionFailure
}

// Logger returns a logger scoped to this run
func (e *Execution) Logger() *zap.SugaredLogger {
	return e.logger
}

// Canceled reports whether cancellation was requested
func (e *Execution) Canceled() bool {
	return e.canceled.Load()
}

// DecodeQuery unmarshals the definition query into v. An empty query leaves v untouched.
func (e *Execution) DecodeQuery(v interface{}) error {
	if len(e.Query) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Query, v); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "decode query: %v", err)
	}
	return nil
}

// Checkpoint records resume state, a partial result and record failures.
// It refuses once cancellation was requested, so controllers stop at their
// next checkpoint. Failures count toward the run either way; without a
// checkpointer they are held for the completion.
func (e *Execution) Checkpoint(ctx context.Context, state, partial json.RawMessage, failures []job.IngestionFailure) error {
	if e.Canceled() {
		return errors.Wrapf(errors.ErrCanceled, "engine job %s", e.JobID)
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if e.checkpointer != nil {
		if err := e.checkpointer.Checkpoint(ctx, state, partial, failures); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(state) > 0 {
		e.state = state
	}
	if e.checkpointer != nil {
		e.delivered = append(e.delivered, failures...)
	} else {
		e.pending = append(e.pending, failures...)
	}
	return nil
}

// AddFailures records failures to report with the final result
func (e *Execution) AddFailures(failures ...job.IngestionFailure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, failures...)
}

// snapshot returns the latest state, every failure of the run and the
// failures not yet handed to the scheduler
func (e *Execution) snapshot() (state json.RawMessage, all, pending []job.IngestionFailure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state = e.state
	if state == nil {
		state = e.IntermediateState
	}
	all = make([]job.IngestionFailure, 0, len(e.delivered)+len(e.pending))
	all = append(append(all, e.delivered...), e.pending...)
	return state, all, append([]job.IngestionFailure(nil), e.pending...)
}

// Scope is the run-scoping part of a job instance request: the window a
// trigger computed and the trigger that asked for the run.
type Scope struct {
	Window    Window `json:"window"`
	TriggerID string `json:"trigger_id,omitempty"`
}

// ParseScope decodes an instance request. An empty request is the zero scope.
func ParseScope(raw json.RawMessage) (Scope, error) {
	var s Scope
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrapf(errors.ErrInvalidRequest, "decode instance request: %v", err)
	}
	return s, nil
}
