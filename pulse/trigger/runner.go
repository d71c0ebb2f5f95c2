package trigger

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/snapshot"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/lease"
	"github.com/teranos/ingestd/pulse/metrics"
	"github.com/teranos/ingestd/pulse/schedule"
)

// JobCreator submits the job a trigger run asks for
type JobCreator interface {
	CreateTriggeredJob(ctx context.Context, t *Trigger, partial bool, request json.RawMessage) (*job.Instance, error)
}

// MetadataUpdater persists the cursor after a successful submission
type MetadataUpdater interface {
	UpdateTriggerMetadata(ctx context.Context, id string, md Metadata) error
}

// SchedulerJobCreator creates instances through the scheduler service
type SchedulerJobCreator struct {
	Service *schedule.Service
}

func (c SchedulerJobCreator) CreateTriggeredJob(ctx context.Context, t *Trigger, partial bool, request json.RawMessage) (*job.Instance, error) {
	return c.Service.CreateInstance(ctx, t.DefinitionID, lease.InstanceSpec{Partial: partial, Request: request})
}

// RunResult describes the job one run created
type RunResult struct {
	Instance *job.Instance `json:"instance"`
	Partial  bool          `json:"partial"`
	Window   engine.Window `json:"window"`
}

// Runner turns a trigger into a job instance and advances its cursor
type Runner struct {
	creator  JobCreator
	updater  MetadataUpdater
	settings *snapshot.Settings
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithClock replaces time.Now
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithMetrics records trigger outcomes
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner. settings may be nil, in which case only a
// trigger's first run is a full pass.
func NewRunner(creator JobCreator, updater MetadataUpdater, settings *snapshot.Settings, log *zap.SugaredLogger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Runner{
		creator:  creator,
		updater:  updater,
		settings: settings,
		logger:   logger.AddTriggerSymbol(log.Named("trigger")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run submits a job for the window [t.IterationTimestamp, now). The first
// run, and any run where full reprocessing is due, is a full pass instead.
// The cursor only moves once the job was created; on error t is unchanged.
func (r *Runner) Run(ctx context.Context, t *Trigger) (*RunResult, error) {
	now := epoch(r.now())
	log := r.logger.With(logger.FieldTriggerID, t.ID, logger.FieldDefinitionID, t.DefinitionID.String())

	partial := t.IterationTimestamp != nil && !r.fullDue(t.LastFullAt, now)
	window := engine.Window{To: now}
	if partial {
		window.From = *t.IterationTimestamp
	}

	request, err := json.Marshal(engine.Scope{Window: window, TriggerID: t.ID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode trigger request")
	}

	inst, err := r.creator.CreateTriggeredJob(ctx, t, partial, request)
	if err != nil {
		r.metrics.TriggerRun("create_failed")
		log.Warnw("Trigger run failed, cursor not advanced", logger.FieldError, err)
		return nil, errors.Wrapf(err, "trigger %q: failed to create job", t.ID)
	}

	md := Metadata{Iteration: now, LastFullAt: t.LastFullAt, Blob: t.Metadata}
	if !partial {
		md.LastFullAt = &now
	}
	if err := r.updater.UpdateTriggerMetadata(ctx, t.ID, md); err != nil {
		// The job exists; the next run repeats this window and merge makes that harmless
		r.metrics.TriggerRun("update_failed")
		log.Errorw("Job created but trigger cursor not saved", logger.FieldJobID, inst.ID.String(), logger.FieldError, err)
		return nil, errors.Wrapf(err, "trigger %q: failed to save cursor", t.ID)
	}

	t.IterationTimestamp = &md.Iteration
	t.LastFullAt = md.LastFullAt
	r.metrics.TriggerRun("created")
	log.Infow("Trigger created job",
		logger.FieldJobID, inst.ID.String(),
		logger.FieldPartial, partial,
		logger.FieldWindowFrom, window.From,
		logger.FieldWindowTo, window.To)
	return &RunResult{Instance: inst, Partial: partial, Window: window}, nil
}

func (r *Runner) fullDue(lastFull *time.Time, now time.Time) bool {
	if r.settings == nil {
		return lastFull == nil
	}
	return r.settings.FullReprocessingDue(lastFull, now)
}
