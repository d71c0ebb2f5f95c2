// Package schedule is the scheduler: it owns every job instance state change
// through the lease protocol and runs the background ticker that sweeps
// expired leases, re-schedules periodic definitions and promotes queued work.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/merge"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/lease"
	"github.com/teranos/ingestd/pulse/metrics"
)

// ClaimResult is the answer to a claim. Negative outcomes are values, not errors.
type ClaimResult struct {
	Outcome    job.ClaimOutcome `json:"outcome"`
	Instance   *job.Instance    `json:"instance,omitempty"`
	Definition *job.Definition  `json:"definition,omitempty"`
}

// Claimed reports whether the caller now holds the lease
func (r ClaimResult) Claimed() bool {
	return r.Outcome == job.ClaimOutcomeClaimed
}

// UnclaimResult reports where a released instance ended up
type UnclaimResult struct {
	Status    job.Status `json:"status"`
	Attempt   int        `json:"attempt"`
	Exhausted bool       `json:"exhausted"`
}

// Checkpoint is progress reported by the lease holder mid-run
type Checkpoint struct {
	State    json.RawMessage        `json:"state,omitempty"`
	Partial  json.RawMessage        `json:"partial,omitempty"`
	Failures []job.IngestionFailure `json:"failures,omitempty"`
}

// Completion is the terminal report of the lease holder
type Completion struct {
	Status   job.Status             `json:"status"`
	Result   json.RawMessage        `json:"result,omitempty"`
	Failures []job.IngestionFailure `json:"failures,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// SnapshotWriter receives every successfully completed instance
type SnapshotWriter interface {
	Write(ctx context.Context, def *job.Definition, inst *job.Instance) error
}

// Service implements the lease protocol on top of a lease.Store
type Service struct {
	store     lease.Store
	logger    *zap.SugaredLogger
	pulseLog  *zap.SugaredLogger
	metrics   *metrics.Metrics
	events    *Broadcaster
	snapshots SnapshotWriter
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithBroadcaster(b *Broadcaster) Option {
	return func(s *Service) { s.events = b }
}

func WithSnapshotWriter(w SnapshotWriter) Option {
	return func(s *Service) { s.snapshots = w }
}

// NewService creates the scheduler service
func NewService(store lease.Store, log *zap.SugaredLogger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		store:  store,
		logger: log.Named("schedule"),
		now:    time.Now,
	}
	s.pulseLog = logger.AddPulseSymbol(s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the broadcaster, nil when none was configured
func (s *Service) Events() *Broadcaster {
	return s.events
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) publish(typ EventType, inst *job.Instance) {
	s.metrics.Transition(string(inst.Status))
	s.events.Publish(JobEvent{Type: typ, Instance: inst, At: s.clock()})
}

// CreateDefinition validates and stores a new definition
func (s *Service) CreateDefinition(ctx context.Context, def *job.Definition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.clock()
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return err
	}
	s.logger.Infow("Created job definition",
		logger.FieldDefinitionID, def.ID.String(),
		"name", def.Name,
		logger.FieldController, def.ControllerName,
		"version", def.Version)
	return nil
}

// Redefine stores the next version of a definition. Existing instances keep
// the version they were created with.
func (s *Service) Redefine(ctx context.Context, id uuid.UUID, mutate func(*job.Definition)) (*job.Definition, error) {
	latest, err := s.store.LatestDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	next := latest.Redefine()
	next.CreatedAt = s.clock()
	if mutate != nil {
		mutate(next)
	}
	next.ID, next.Version = latest.ID, latest.Version+1
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateDefinition(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Infow("Redefined job definition",
		logger.FieldDefinitionID, id.String(), "version", next.Version)
	return next, nil
}

// Definitions lists the latest version of every definition
func (s *Service) Definitions(ctx context.Context) ([]*job.Definition, error) {
	return s.store.ListDefinitions(ctx)
}

// Definition returns the latest version of one definition
func (s *Service) Definition(ctx context.Context, id uuid.UUID) (*job.Definition, error) {
	return s.store.LatestDefinition(ctx, id)
}

// CreateInstance queues an UNASSIGNED instance of the definition's latest version
func (s *Service) CreateInstance(ctx context.Context, definitionID uuid.UUID, spec lease.InstanceSpec) (*job.Instance, error) {
	if len(spec.Request) > 0 && !json.Valid(spec.Request) {
		return nil, errors.NewInvalidRequestError("instance request must be valid JSON")
	}
	spec.CreatedAt = s.clock()
	inst, err := s.store.CreateInstance(ctx, definitionID, spec)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Created job instance",
		logger.FieldJobID, inst.ID.String(), logger.FieldPartial, inst.Partial)
	s.publish(EventCreated, inst)
	return inst, nil
}

// Instance returns one instance
func (s *Service) Instance(ctx context.Context, id job.InstanceID) (*job.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// Instances lists instances matching filter
func (s *Service) Instances(ctx context.Context, filter lease.Filter) ([]*job.Instance, error) {
	return s.store.ListInstances(ctx, filter)
}

type definitionKey struct {
	id      uuid.UUID
	version int
}

type successKey struct {
	id       uuid.UUID
	fullOnly bool
}

// GetJobsToRun returns the claimable instances in the order workers should
// try them: priority, then age, then sequence. An instance is claimable when
// it is SCHEDULED, its retry wait has elapsed and its definition's cadence
// allows another pass.
func (s *Service) GetJobsToRun(ctx context.Context) ([]*job.Instance, error) {
	now := s.clock()
	scheduled, err := s.store.ListInstances(ctx, lease.Filter{Statuses: []job.Status{job.StatusScheduled}})
	if err != nil {
		return nil, err
	}

	defs := make(map[definitionKey]*job.Definition)
	successes := make(map[successKey]*time.Time)
	type candidate struct {
		inst     *job.Instance
		priority job.Priority
	}
	var candidates []candidate

	for _, inst := range scheduled {
		if !inst.Ready(now) {
			continue
		}
		key := definitionKey{inst.ID.DefinitionID, inst.DefinitionVersion}
		def, ok := defs[key]
		if !ok {
			if def, err = s.store.GetDefinition(ctx, key.id, key.version); err != nil {
				return nil, err
			}
			defs[key] = def
		}
		eligible, err := s.eligible(ctx, successes, def, inst, now)
		if err != nil {
			return nil, err
		}
		if eligible {
			candidates = append(candidates, candidate{inst, def.Priority})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.inst.CreatedAt.Equal(b.inst.CreatedAt) {
			return a.inst.CreatedAt.Before(b.inst.CreatedAt)
		}
		return a.inst.ID.Seq < b.inst.ID.Seq
	})

	out := make([]*job.Instance, len(candidates))
	for i, c := range candidates {
		out[i] = c.inst
	}
	return out, nil
}

// eligible applies the frequency gate: partial instances wait Frequency
// after the last success, full ones FullFrequency after the last full success.
func (s *Service) eligible(ctx context.Context, cache map[successKey]*time.Time, def *job.Definition, inst *job.Instance, now time.Time) (bool, error) {
	interval, fullOnly := def.Frequency(), false
	if !inst.Partial {
		interval, fullOnly = def.FullFrequency(), true
	}
	if interval <= 0 {
		return true, nil
	}

	key := successKey{def.ID, fullOnly}
	last, ok := cache[key]
	if !ok {
		var err error
		if last, err = s.store.LastSuccess(ctx, def.ID, fullOnly); err != nil {
			return false, err
		}
		cache[key] = last
	}
	return last == nil || !now.Before(last.Add(interval)), nil
}

// ClaimJob tries to take the lease on id for worker
func (s *Service) ClaimJob(ctx context.Context, id job.InstanceID, worker string) (ClaimResult, error) {
	if worker == "" {
		return ClaimResult{}, errors.NewInvalidRequestError("worker id is required")
	}
	now := s.clock()

	var outcome job.ClaimOutcome
	var pinned *job.Definition
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, def *job.Definition) error {
		outcome = inst.Claim(worker, now)
		pinned = def
		if outcome != job.ClaimOutcomeClaimed {
			return lease.ErrSkip
		}
		return nil
	})
	if errors.IsNotFoundError(err) {
		s.metrics.ClaimAttempt(string(job.ClaimOutcomeNotFound))
		return ClaimResult{Outcome: job.ClaimOutcomeNotFound}, nil
	}
	if err != nil {
		return ClaimResult{}, err
	}

	s.metrics.ClaimAttempt(string(outcome))
	if outcome != job.ClaimOutcomeClaimed {
		s.logger.Debugw("Claim refused",
			logger.FieldJobID, id.String(), logger.FieldWorkerID, worker, logger.FieldOutcome, outcome)
		return ClaimResult{Outcome: outcome, Instance: inst}, nil
	}

	s.pulseLog.Infow("Job claimed",
		logger.FieldJobID, id.String(),
		logger.FieldWorkerID, worker,
		logger.FieldAttempt, inst.Attempt+1,
		logger.FieldController, pinned.ControllerName)
	s.publish(EventClaimed, inst)
	return ClaimResult{Outcome: outcome, Instance: inst, Definition: pinned}, nil
}

// UnclaimJob gives the lease back after a failed attempt. A worker that does
// not hold the lease gets ErrNotLeaseHolder and nothing changes.
func (s *Service) UnclaimJob(ctx context.Context, id job.InstanceID, worker, reason string) (UnclaimResult, error) {
	now := s.clock()
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, def *job.Definition) error {
		if err := inst.CheckLease(worker); err != nil {
			return err
		}
		return inst.Release(def, reason, now)
	})
	if err != nil {
		return UnclaimResult{}, err
	}

	res := UnclaimResult{Status: inst.Status, Attempt: inst.Attempt, Exhausted: inst.Status == job.StatusFailure}
	s.pulseLog.Infow("Job unclaimed",
		logger.FieldJobID, id.String(),
		logger.FieldWorkerID, worker,
		logger.FieldStatus, inst.Status,
		logger.FieldAttempt, inst.Attempt,
		"reason", reason)
	s.publish(EventUnclaimed, inst)
	return res, nil
}

// YieldJob gives the lease back without consuming the attempt. Workers
// call it when their own shutdown interrupted the run, so rolling restarts
// do not exhaust attempt_max. Lease checks match UnclaimJob.
func (s *Service) YieldJob(ctx context.Context, id job.InstanceID, worker string) (UnclaimResult, error) {
	now := s.clock()
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, _ *job.Definition) error {
		if err := inst.CheckLease(worker); err != nil {
			return err
		}
		return inst.Yield(now)
	})
	if err != nil {
		return UnclaimResult{}, err
	}

	s.pulseLog.Infow("Job yielded",
		logger.FieldJobID, id.String(),
		logger.FieldWorkerID, worker,
		logger.FieldStatus, inst.Status,
		logger.FieldAttempt, inst.Attempt)
	s.publish(EventUnclaimed, inst)
	return UnclaimResult{Status: inst.Status, Attempt: inst.Attempt}, nil
}

// Checkpoint stores the lease holder's resume state, merges its partial
// result and appends its failures in one transition. Once the instance is
// CANCELED it returns ErrCanceled so the controller stops.
func (s *Service) Checkpoint(ctx context.Context, id job.InstanceID, worker string, cp Checkpoint) (*job.Instance, error) {
	if len(cp.State) > 0 && !json.Valid(cp.State) {
		return nil, errors.NewInvalidRequestError("checkpoint state must be valid JSON")
	}
	now := s.clock()
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, _ *job.Definition) error {
		if err := inst.CheckLease(worker); err != nil {
			return err
		}
		if inst.Status == job.StatusCanceled {
			return errors.Wrapf(errors.ErrCanceled, "%s", inst.ID)
		}
		if len(cp.State) > 0 {
			inst.IntermediateState = cp.State
		}
		if len(cp.Partial) > 0 {
			merged, err := merge.ApplyJSON(inst.Result, cp.Partial)
			if err != nil {
				return errors.Wrap(err, "failed to merge partial result")
			}
			inst.Result = merged
		}
		inst.AppendFailures(cp.Failures)
		inst.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("Checkpoint stored",
		logger.FieldJobID, id.String(), logger.FieldFailures, len(cp.Failures))
	s.publish(EventCheckpoint, inst)
	return inst, nil
}

// CompleteJob records the lease holder's terminal report. SUCCESS also
// merges the final result and hands the instance to the snapshot writer.
func (s *Service) CompleteJob(ctx context.Context, id job.InstanceID, worker string, c Completion) (*job.Instance, error) {
	switch c.Status {
	case job.StatusSuccess, job.StatusFailure, job.StatusAborted, job.StatusInvalid:
	default:
		return nil, errors.NewInvalidRequestError("cannot complete with status %q", c.Status)
	}
	if len(c.Result) > 0 && !json.Valid(c.Result) {
		return nil, errors.NewInvalidRequestError("result must be valid JSON")
	}

	now := s.clock()
	var pinned *job.Definition
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, def *job.Definition) error {
		if err := inst.CheckLease(worker); err != nil {
			return err
		}
		pinned = def
		if c.Status == job.StatusSuccess && len(c.Result) > 0 {
			merged, err := merge.ApplyJSON(inst.Result, c.Result)
			if err != nil {
				return errors.Wrap(err, "failed to merge result")
			}
			inst.Result = merged
		}
		inst.AppendFailures(c.Failures)
		return inst.Finish(c.Status, c.Error, now)
	})
	if err != nil {
		return nil, err
	}

	s.pulseLog.Infow("Job completed",
		logger.FieldJobID, id.String(),
		logger.FieldWorkerID, worker,
		logger.FieldStatus, inst.Status,
		logger.FieldAttempt, inst.Attempt,
		logger.FieldFailures, len(inst.Failures))
	s.publish(EventCompleted, inst)

	if inst.Status == job.StatusSuccess && s.snapshots != nil {
		if err := s.snapshots.Write(ctx, pinned, inst); err != nil {
			s.logger.Errorw("Failed to write snapshot",
				logger.FieldJobID, id.String(), logger.FieldError, err)
		}
	}
	return inst, nil
}

// CancelJob requests cancellation. Unleased instances abort at once; a
// leased one is marked CANCELED for its worker to observe.
func (s *Service) CancelJob(ctx context.Context, id job.InstanceID) (*job.Instance, error) {
	now := s.clock()
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, _ *job.Definition) error {
		return inst.RequestCancel(now)
	})
	if err != nil {
		return nil, err
	}
	s.pulseLog.Infow("Job cancel requested", logger.FieldJobID, id.String(), logger.FieldStatus, inst.Status)
	s.publish(EventCanceled, inst)
	return inst, nil
}

// InvalidateJob marks an instance whose request can never succeed
func (s *Service) InvalidateJob(ctx context.Context, id job.InstanceID, reason string) (*job.Instance, error) {
	now := s.clock()
	inst, err := s.store.Transition(ctx, id, func(inst *job.Instance, _ *job.Definition) error {
		return inst.Invalidate(reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warnw("Job invalidated", logger.FieldJobID, id.String(), "reason", reason)
	s.publish(EventInvalidated, inst)
	return inst, nil
}

// SweepTimeouts releases every lease older than its definition's timeout,
// exactly as if the holder had unclaimed it.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	now := s.clock()
	held, err := s.store.ListInstances(ctx, lease.Filter{Statuses: []job.Status{job.StatusPending, job.StatusCanceled}})
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	swept := 0
	for _, candidate := range held {
		if err := ctx.Err(); err != nil {
			return swept, multierror.Append(result, err).ErrorOrNil()
		}

		var holder string
		expired := false
		inst, err := s.store.Transition(ctx, candidate.ID, func(inst *job.Instance, def *job.Definition) error {
			holder = inst.ClaimedBy
			expired = inst.LeaseExpired(def, now)
			if !expired {
				return lease.ErrSkip
			}
			return inst.Release(def, fmt.Sprintf("lease held by %s timed out after %s", holder, def.Timeout()), now)
		})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "sweep %s", candidate.ID))
			continue
		}
		if !expired {
			continue
		}

		swept++
		s.metrics.LeaseSwept()
		s.pulseLog.Warnw("Lease timed out",
			logger.FieldJobID, inst.ID.String(),
			logger.FieldWorkerID, holder,
			logger.FieldStatus, inst.Status,
			logger.FieldAttempt, inst.Attempt)
		s.publish(EventTimedOut, inst)
	}
	return swept, result.ErrorOrNil()
}

// PromoteUnassigned moves the oldest UNASSIGNED instance of each idle
// definition to SCHEDULED. A definition has at most one active instance.
func (s *Service) PromoteUnassigned(ctx context.Context) (int, error) {
	now := s.clock()
	open, err := s.store.ListInstances(ctx, lease.Filter{Statuses: []job.Status{
		job.StatusUnassigned, job.StatusScheduled, job.StatusPending, job.StatusCanceled,
	}})
	if err != nil {
		return 0, err
	}

	busy := make(map[uuid.UUID]bool)
	for _, inst := range open {
		if inst.Status.IsActive() {
			busy[inst.ID.DefinitionID] = true
		}
	}

	var result *multierror.Error
	promoted := 0
	for _, candidate := range open {
		if candidate.Status != job.StatusUnassigned || busy[candidate.ID.DefinitionID] {
			continue
		}
		moved := false
		inst, err := s.store.Transition(ctx, candidate.ID, func(inst *job.Instance, _ *job.Definition) error {
			if inst.Status != job.StatusUnassigned {
				return lease.ErrSkip
			}
			moved = true
			return inst.Promote(now)
		})
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "promote %s", candidate.ID))
			continue
		}
		if inst.Status.IsActive() {
			busy[candidate.ID.DefinitionID] = true
		}
		if moved {
			promoted++
			s.publish(EventPromoted, inst)
		}
	}
	s.metrics.Promoted(promoted)
	return promoted, result.ErrorOrNil()
}

// ScheduleDue creates the next instance of every periodic definition that
// has no open instance and whose cadence has elapsed since its last finished
// run. The instance is a full pass when the full cadence is due.
func (s *Service) ScheduleDue(ctx context.Context) (int, error) {
	now := s.clock()
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}

	var result *multierror.Error
	created := 0
	for _, def := range defs {
		if def.Frequency() <= 0 {
			continue
		}
		partial, due, err := s.periodicDue(ctx, def, now)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "definition %s", def.ID))
			continue
		}
		if !due {
			continue
		}
		if _, err := s.CreateInstance(ctx, def.ID, lease.InstanceSpec{Partial: partial}); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "definition %s", def.ID))
			continue
		}
		created++
		s.metrics.PeriodicScheduled()
	}
	return created, result.ErrorOrNil()
}

func (s *Service) periodicDue(ctx context.Context, def *job.Definition, now time.Time) (partial, due bool, err error) {
	instances, err := s.store.ListInstances(ctx, lease.Filter{DefinitionID: def.ID})
	if err != nil {
		return false, false, err
	}
	var lastDone *time.Time
	for _, inst := range instances {
		if !inst.Status.IsTerminal() {
			return false, false, nil
		}
		if inst.DoneAt != nil && (lastDone == nil || inst.DoneAt.After(*lastDone)) {
			lastDone = inst.DoneAt
		}
	}
	if lastDone != nil && now.Before(lastDone.Add(def.Frequency())) {
		return false, false, nil
	}

	lastFull, err := s.store.LastSuccess(ctx, def.ID, true)
	if err != nil {
		return false, false, err
	}
	partial = lastFull != nil && now.Before(lastFull.Add(def.FullFrequency()))
	return partial, true, nil
}
