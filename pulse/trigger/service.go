package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
)

// Service fires triggers: periodic ones from a cron schedule, webhook ones
// through Fire. At most one run per trigger is in flight at a time.
type Service struct {
	store  *Store
	runner *Runner
	cron   *cron.Cron
	logger *zap.SugaredLogger

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	entries  map[string]cron.EntryID
	inFlight map[string]struct{}
}

// NewService creates a trigger service. Schedules are evaluated in UTC.
func NewService(store *Store, runner *Runner, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:    store,
		runner:   runner,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.AddTriggerSymbol(log.Named("trigger.service")),
		entries:  make(map[string]cron.EntryID),
		inFlight: make(map[string]struct{}),
	}
}

// Start schedules every stored periodic trigger and starts the cron loop.
// A trigger with a bad schedule is skipped and reported in the returned
// error; the others still run.
func (s *Service) Start(ctx context.Context) error {
	triggers, err := s.store.List(ctx, TypePeriodic)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()

	var result *multierror.Error
	for _, t := range triggers {
		if err := s.schedule(t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.cron.Start()
	s.logger.Infow("Trigger service started", logger.FieldCount, len(s.Scheduled()))
	return result.ErrorOrNil()
}

// Stop stops the cron loop and waits for running triggers to return
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Infow("Trigger service stopped")
}

func (s *Service) schedule(t *Trigger) error {
	id := t.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	entry, err := s.cron.AddFunc(t.Schedule, func() {
		if _, err := s.Fire(s.runContext(), id); err != nil && !errors.Is(err, errors.ErrConflict) {
			s.logger.Warnw("Scheduled trigger run failed", logger.FieldTriggerID, id, logger.FieldError, err)
		}
	})
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "trigger %q schedule %q: %v", id, t.Schedule, err)
	}
	s.entries[id] = entry
	return nil
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Add stores a new trigger and, once the service is started, schedules it
func (s *Service) Add(ctx context.Context, t *Trigger) error {
	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started && t.Type == TypePeriodic {
		return s.schedule(t)
	}
	return nil
}

// Remove unschedules and deletes a trigger
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.store.Delete(ctx, id)
}

// Triggers lists stored triggers
func (s *Service) Triggers(ctx context.Context) ([]*Trigger, error) {
	return s.store.List(ctx, "")
}

// Scheduled returns the ids of triggers currently on the cron schedule
func (s *Service) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Fire runs a trigger now. It reloads the trigger so the run starts from the
// stored cursor, and returns ErrConflict while another run of it is in flight.
func (s *Service) Fire(ctx context.Context, id string) (*RunResult, error) {
	s.mu.Lock()
	if _, busy := s.inFlight[id]; busy {
		s.mu.Unlock()
		s.runner.metrics.TriggerRun("skipped")
		return nil, errors.Wrapf(errors.ErrConflict, "trigger %q is already running", id)
	}
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, t)
}
