package engine

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/metrics"
	"github.com/teranos/ingestd/pulse/schedule"
)

// ErrNonRetryable marks a controller error that retrying cannot fix.
// The instance is completed as FAILURE instead of being released.
var ErrNonRetryable = errors.New("non-retryable")

// NonRetryable marks err as a permanent failure
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrNonRetryable)
}

// Status is the lifecycle of one engine run
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusCanceled Status = "CANCELED"
	StatusAborted  Status = "ABORTED"
	StatusInvalid  Status = "INVALID"
)

// IsDone returns true once the controller has returned (or never ran)
func (s Status) IsDone() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusInvalid:
		return true
	}
	return false
}

// Request describes one run
type Request struct {
	Controller        string
	Query             json.RawMessage
	IntermediateState json.RawMessage
	Partial           bool
	Window            Window
	Checkpointer      Checkpointer
	// InstanceID is only used to correlate logs
	InstanceID string
}

// EngineJob is a point-in-time view of a run
type EngineJob struct {
	ID                string                 `json:"id"`
	Controller        string                 `json:"controller"`
	InstanceID        string                 `json:"instance_id,omitempty"`
	Status            Status                 `json:"status"`
	Done              bool                   `json:"done"`
	Result            json.RawMessage        `json:"result,omitempty"`
	IntermediateState json.RawMessage        `json:"intermediate_state,omitempty"`
	Failures          []job.IngestionFailure `json:"failures,omitempty"`
	// unreported is the part of Failures no checkpoint delivered yet
	unreported []job.IngestionFailure
	Err               error                  `json:"-"`
	Error             string                 `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	DoneAt            *time.Time             `json:"done_at,omitempty"`
}

// Retryable reports whether a failed run should go back to the scheduler for another attempt
func (j *EngineJob) Retryable() bool {
	return j.Status == StatusFailure && !errors.Is(j.Err, ErrNonRetryable)
}

// Completion converts a finished run into the scheduler's terminal report.
// ok is false when the run should be unclaimed for a retry instead.
// Failures already delivered with a checkpoint are not repeated.
func (j *EngineJob) Completion() (c schedule.Completion, ok bool) {
	switch j.Status {
	case StatusSuccess:
		return schedule.Completion{Status: job.StatusSuccess, Result: j.Result, Failures: j.unreported}, true
	case StatusInvalid:
		return schedule.Completion{Status: job.StatusInvalid, Error: j.Error, Failures: j.unreported}, true
	case StatusAborted:
		return schedule.Completion{Status: job.StatusAborted, Error: j.Error, Failures: j.unreported}, true
	case StatusFailure:
		if !j.Retryable() {
			return schedule.Completion{Status: job.StatusFailure, Error: j.Error, Failures: j.unreported}, true
		}
	}
	return schedule.Completion{}, false
}

type run struct {
	view   EngineJob
	exec   *Execution
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs controllers on their own goroutines and tracks them by id
type Engine struct {
	registry *Registry
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over registry
func New(registry *Registry, log *zap.SugaredLogger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		registry: registry,
		logger:   logger.AddIXSymbol(log.Named("engine")),
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit starts a run and returns its initial view. An unknown controller
// produces a job that is already done with status INVALID.
func (e *Engine) Submit(ctx context.Context, req Request) (*EngineJob, error) {
	now := e.now().UTC()
	r := &run{
		view: EngineJob{
			ID:         uuid.NewString(),
			Controller: req.Controller,
			InstanceID: req.InstanceID,
			Status:     StatusCreated,
			CreatedAt:  now,
		},
		done: make(chan struct{}),
	}

	if req.InstanceID != "" {
		ctx = logger.WithJobID(ctx, req.InstanceID)
	}
	log := logger.FromContext(ctx, e.logger).With(
		logger.FieldEngineJobID, r.view.ID,
		logger.FieldController, req.Controller)

	controller, err := e.registry.Get(req.Controller)
	if err != nil {
		r.view.Status = StatusInvalid
		r.view.Done = true
		r.view.Err = err
		r.view.Error = err.Error()
		r.view.DoneAt = &now
		close(r.done)
		e.track(r)
		log.Warnw("Unknown controller, job invalid")
		e.metrics.EngineRun(req.Controller, string(StatusInvalid), 0)
		return e.viewOf(r), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.exec = &Execution{
		JobID:             r.view.ID,
		Query:             req.Query,
		IntermediateState: req.IntermediateState,
		Partial:           req.Partial,
		Window:            req.Window,
		checkpointer:      req.Checkpointer,
		logger:            log,
	}
	e.track(r)
	view := e.viewOf(r)

	e.wg.Add(1)
	go e.execute(runCtx, r, controller, log)
	return view, nil
}

func (e *Engine) track(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[r.view.ID] = r
}

func (e *Engine) execute(ctx context.Context, r *run, controller Controller, log *zap.SugaredLogger) {
	defer e.wg.Done()
	defer r.cancel()
	defer close(r.done)

	started := e.now().UTC()
	e.mu.Lock()
	if r.view.Status == StatusCreated {
		r.view.Status = StatusRunning
	}
	r.view.StartedAt = &started
	e.mu.Unlock()
	log.Debugw("Controller started", logger.FieldPartial, r.exec.Partial)

	result, err := e.invoke(ctx, controller, r.exec)

	doneAt := e.now().UTC()
	state, failures, unreported := r.exec.snapshot()
	status := classify(r.exec, err)

	e.mu.Lock()
	r.view.Status = status
	r.view.Done = true
	r.view.DoneAt = &doneAt
	r.view.IntermediateState = state
	r.view.Failures = failures
	r.view.unreported = unreported
	if status == StatusSuccess {
		r.view.Result = result
	}
	if err != nil {
		r.view.Err = err
		r.view.Error = err.Error()
	}
	e.mu.Unlock()

	for _, f := range failures {
		e.metrics.IngestionFailure(string(f.Severity))
	}
	e.metrics.EngineRun(controller.Name(), string(status), doneAt.Sub(started).Seconds())

	if status == StatusFailure {
		log.Warnw("Controller failed", logger.FieldError, err, logger.FieldDurationMS, doneAt.Sub(started).Milliseconds())
		return
	}
	log.Infow("Controller finished",
		logger.FieldStatus, status,
		logger.FieldFailures, len(failures),
		logger.FieldDurationMS, doneAt.Sub(started).Milliseconds())
}

func (e *Engine) invoke(ctx context.Context, controller Controller, exec *Execution) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.WithDetail(
				errors.Newf("controller %s panicked: %v", controller.Name(), p),
				string(debug.Stack()))
		}
	}()
	result, err = controller.Run(ctx, exec)
	if err == nil && len(result) > 0 && !json.Valid(result) {
		err = errors.Newf("controller %s returned invalid JSON", controller.Name())
	}
	return result, err
}

func classify(exec *Execution, err error) Status {
	switch {
	case exec.Canceled() || errors.Is(err, errors.ErrCanceled):
		return StatusAborted
	case err == nil:
		return StatusSuccess
	case errors.Is(err, errors.ErrInvalidRequest):
		return StatusInvalid
	default:
		return StatusFailure
	}
}

func (e *Engine) viewOf(r *run) *EngineJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := r.view
	if v.StartedAt != nil {
		t := *v.StartedAt
		v.StartedAt = &t
	}
	if v.DoneAt != nil {
		t := *v.DoneAt
		v.DoneAt = &t
	}
	v.Failures = append([]job.IngestionFailure(nil), r.view.Failures...)
	v.unreported = append([]job.IngestionFailure(nil), r.view.unreported...)
	return &v
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, errors.NewNotFoundError("engine job %s", id)
	}
	return r, nil
}

// GetJob returns the current view of a run
func (e *Engine) GetJob(id string) (*EngineJob, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.viewOf(r), nil
}

// Wait blocks until the run is done or ctx ends
func (e *Engine) Wait(ctx context.Context, id string) (*EngineJob, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return e.viewOf(r), nil
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Done returns a channel closed when the run finishes
func (e *Engine) Done(id string) (<-chan struct{}, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// Cancel requests cooperative cancellation. The run reports CANCELED until
// its controller returns, then ABORTED.
func (e *Engine) Cancel(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if r.view.Done {
		e.mu.Unlock()
		return errors.Wrapf(errors.ErrNotCancelable, "engine job %s is %s", id, r.view.Status)
	}
	r.view.Status = StatusCanceled
	e.mu.Unlock()

	r.exec.canceled.Store(true)
	r.cancel()
	e.logger.Infow("Engine job cancel requested", logger.FieldEngineJobID, id)
	return nil
}

// Forget drops a finished run from the engine
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return errors.NewNotFoundError("engine job %s", id)
	}
	if !r.view.Done {
		return errors.Newf("engine job %s is still %s", id, r.view.Status)
	}
	delete(e.runs, id)
	return nil
}

// Shutdown cancels every running job and waits for controllers to return
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	var running []string
	for id, r := range e.runs {
		if !r.view.Done {
			running = append(running, id)
		}
	}
	e.mu.Unlock()

	for _, id := range running {
		_ = e.Cancel(id)
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%d controllers still running", len(running))
	}
}
