// Package async runs the worker side of the lease protocol: poll for
// claimable instances, claim one, drive it through the ingestion engine and
// report the outcome back to the scheduler.
package async

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/metrics"
	"github.com/teranos/ingestd/pulse/schedule"
	"github.com/teranos/ingestd/sym"
)

// LeaseClient is the scheduler as seen by a worker. schedule.Service
// satisfies it in-process and client.Client over HTTP.
type LeaseClient interface {
	GetJobsToRun(ctx context.Context) ([]*job.Instance, error)
	ClaimJob(ctx context.Context, id job.InstanceID, worker string) (schedule.ClaimResult, error)
	UnclaimJob(ctx context.Context, id job.InstanceID, worker, reason string) (schedule.UnclaimResult, error)
	YieldJob(ctx context.Context, id job.InstanceID, worker string) (schedule.UnclaimResult, error)
	Checkpoint(ctx context.Context, id job.InstanceID, worker string, cp schedule.Checkpoint) (*job.Instance, error)
	CompleteJob(ctx context.Context, id job.InstanceID, worker string, c schedule.Completion) (*job.Instance, error)
	Instance(ctx context.Context, id job.InstanceID) (*job.Instance, error)
}

var _ LeaseClient = (*schedule.Service)(nil)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers             int           `json:"workers"`               // Number of concurrent workers
	PollInterval        time.Duration `json:"poll_interval"`         // How often an idle worker asks for jobs
	CancelCheckInterval time.Duration `json:"cancel_check_interval"` // How often a running job looks for a cancel request
	ShutdownTimeout     time.Duration `json:"shutdown_timeout"`      // How long Stop waits for running jobs
	WorkerID            string        `json:"worker_id"`             // Lease holder name; workers append their index
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:             2,
		PollInterval:        5 * time.Second,
		CancelCheckInterval: 2 * time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}

// DefaultWorkerID returns hostname-<8 hex chars>, unique per process
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// WorkerPool manages a pool of workers that claim and run job instances
type WorkerPool struct {
	client     LeaseClient
	engine     *engine.Engine
	metrics    *metrics.Metrics
	poolConfig WorkerPoolConfig
	workers    int
	workerID   string
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger

	mu            sync.Mutex
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// Option configures a WorkerPool
type Option func(*WorkerPool)

// WithMetrics records worker activity
func WithMetrics(m *metrics.Metrics) Option {
	return func(wp *WorkerPool) { wp.metrics = m }
}

// NewWorkerPool creates a worker pool. Cancelling ctx stops the workers and
// hands running instances back to the scheduler.
func NewWorkerPool(ctx context.Context, client LeaseClient, eng *engine.Engine, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, opts ...Option) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if poolCfg.Workers < 1 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = defaults.PollInterval
	}
	if poolCfg.CancelCheckInterval <= 0 {
		poolCfg.CancelCheckInterval = defaults.CancelCheckInterval
	}
	if poolCfg.ShutdownTimeout <= 0 {
		poolCfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if poolCfg.WorkerID == "" {
		poolCfg.WorkerID = DefaultWorkerID()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		client:     client,
		engine:     eng,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		workerID:   poolCfg.WorkerID,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Start spawns the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool starting", "workers", wp.workers, logger.FieldWorkerID, wp.workerID)
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels the workers. Runs interrupted by the stop are yielded
// without consuming their attempt, so another worker resumes them from
// their last checkpoint.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.ShutdownTimeout
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, jobs may still be unclaiming", "timeout", timeout)
	}
}

// workerName is the lease holder name of worker i
func (wp *WorkerPool) workerName(i int) string {
	if wp.workers == 1 {
		return wp.workerID
	}
	return fmt.Sprintf("%s/%d", wp.workerID, i)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	name := wp.workerName(id)

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		}

		// Keep draining while there is work, poll again once idle
		for {
			ran, err := wp.processNextJob(name)
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						logger.FieldWorkerID, name,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				if ran && wp.ctx.Err() == nil {
					continue
				}
				break
			}

			if wp.ctx.Err() != nil {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing job",
				logger.FieldWorkerID, name,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, name,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-wp.ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
			break
		}
	}
}

// processNextJob claims the first claimable instance and runs it. ran is
// false when nothing could be claimed.
func (wp *WorkerPool) processNextJob(worker string) (ran bool, err error) {
	if wp.ctx.Err() != nil {
		return false, nil
	}

	candidates, err := wp.client.GetJobsToRun(wp.ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to list claimable jobs")
	}

	for _, candidate := range candidates {
		res, err := wp.client.ClaimJob(wp.ctx, candidate.ID, worker)
		if err != nil {
			return false, errors.Wrapf(err, "failed to claim %s", candidate.ID)
		}
		if !res.Claimed() {
			// Lost the race or the instance moved on; try the next one
			continue
		}
		return true, wp.run(worker, res)
	}
	return false, nil
}

// run executes one claimed instance and reports its outcome
func (wp *WorkerPool) run(worker string, claim schedule.ClaimResult) error {
	inst, def := claim.Instance, claim.Definition
	log := wp.logger.With(
		logger.FieldJobID, inst.ID.String(),
		logger.FieldWorkerID, worker,
		logger.FieldController, def.ControllerName)

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	wp.metrics.WorkerStarted()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
		wp.metrics.WorkerFinished()
	}()

	scope, err := engine.ParseScope(inst.Request)
	if err != nil {
		return wp.report(log, inst.ID, worker, func(ctx context.Context) error {
			_, err := wp.client.CompleteJob(ctx, inst.ID, worker, schedule.Completion{Status: job.StatusInvalid, Error: err.Error()})
			return err
		})
	}

	runCtx, cancelRun := context.WithTimeout(logger.WithWorkerID(wp.ctx, worker), def.Timeout())
	defer cancelRun()

	submitted, err := wp.engine.Submit(runCtx, engine.Request{
		Controller:        def.ControllerName,
		Query:             def.Query,
		IntermediateState: inst.IntermediateState,
		Partial:           inst.Partial,
		Window:            scope.Window,
		Checkpointer:      leaseCheckpointer{client: wp.client, id: inst.ID, worker: worker},
		InstanceID:        inst.ID.String(),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to submit %s", inst.ID)
	}
	log.Infow("Job running", logger.FieldAttempt, inst.Attempt+1, logger.FieldPartial, inst.Partial)

	final := wp.watch(log, inst.ID, submitted.ID)
	_ = wp.engine.Forget(final.ID)

	if completion, ok := final.Completion(); ok {
		return wp.report(log, inst.ID, worker, func(ctx context.Context) error {
			_, err := wp.client.CompleteJob(ctx, inst.ID, worker, completion)
			return err
		})
	}

	if wp.interrupted(final) {
		return wp.report(log, inst.ID, worker, func(ctx context.Context) error {
			res, err := wp.client.YieldJob(ctx, inst.ID, worker)
			if err == nil {
				log.Infow("Job yielded on shutdown", logger.FieldStatus, res.Status, logger.FieldAttempt, res.Attempt)
			}
			return err
		})
	}

	reason := final.Error
	if reason == "" {
		reason = "attempt failed"
	}
	return wp.report(log, inst.ID, worker, func(ctx context.Context) error {
		res, err := wp.client.UnclaimJob(ctx, inst.ID, worker, reason)
		if err == nil {
			log.Infow("Job handed back for retry",
				logger.FieldStatus, res.Status,
				logger.FieldAttempt, res.Attempt,
				"exhausted", res.Exhausted)
		}
		return err
	})
}

// interrupted reports whether a failed run only failed because the pool is stopping
func (wp *WorkerPool) interrupted(final *engine.EngineJob) bool {
	return wp.ctx.Err() != nil && final.Status == engine.StatusFailure && errors.Is(final.Err, context.Canceled)
}

// watch waits for the engine job while polling the instance for a cancel
// request or a lost lease, either of which cancels the run.
func (wp *WorkerPool) watch(log *zap.SugaredLogger, id job.InstanceID, engineJobID string) *engine.EngineJob {
	done, err := wp.engine.Done(engineJobID)
	if err == nil {
		ticker := time.NewTicker(wp.poolConfig.CancelCheckInterval)
		defer ticker.Stop()

	loop:
		for {
			select {
			case <-done:
				break loop
			case <-ticker.C:
				if wp.ctx.Err() != nil {
					continue
				}
				inst, err := wp.client.Instance(wp.ctx, id)
				if err != nil {
					log.Debugw("Cancel check failed", logger.FieldError, err)
					continue
				}
				if inst.Status == job.StatusCanceled || !inst.Status.HoldsLease() {
					log.Infow("Cancel observed, stopping controller", logger.FieldStatus, inst.Status)
					if err := wp.engine.Cancel(engineJobID); err != nil && !errors.Is(err, errors.ErrNotCancelable) {
						log.Warnw("Failed to cancel engine job", logger.FieldError, err)
					}
				}
			}
		}
	}

	final, err := wp.engine.GetJob(engineJobID)
	if err != nil {
		// Only reachable if someone else forgot the job
		return &engine.EngineJob{ID: engineJobID, Status: engine.StatusFailure, Done: true, Error: err.Error(), Err: err}
	}
	return final
}

// report sends the outcome on a context that survives pool shutdown. A lost
// lease means the scheduler already moved on; that is logged, not returned.
func (wp *WorkerPool) report(log *zap.SugaredLogger, id job.InstanceID, worker string, send func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(wp.ctx), wp.poolConfig.ShutdownTimeout)
	defer cancel()

	err := send(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrNotLeaseHolder):
		log.Warnw("Lease lost before outcome was reported", logger.FieldError, err)
		return nil
	default:
		return errors.Wrapf(err, "failed to report outcome of %s", id)
	}
}

// leaseCheckpointer forwards engine checkpoints to the scheduler under the lease
type leaseCheckpointer struct {
	client LeaseClient
	id     job.InstanceID
	worker string
}

func (c leaseCheckpointer) Checkpoint(ctx context.Context, state, partial json.RawMessage, failures []job.IngestionFailure) error {
	_, err := c.client.Checkpoint(ctx, c.id, c.worker, schedule.Checkpoint{State: state, Partial: partial, Failures: failures})
	return err
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// WorkerID returns the lease holder prefix of this pool
func (wp *WorkerPool) WorkerID() string {
	return wp.workerID
}

// ActiveWorkers reports how many workers are running an instance
func (wp *WorkerPool) ActiveWorkers() (active, total int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.activeWorkers, wp.workers
}

var _ schedule.ActivityReporter = (*WorkerPool)(nil)
