package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/sym"
)

// ActivityReporter lets the ticker show worker load in its heartbeat line
type ActivityReporter interface {
	ActiveWorkers() (active, total int)
}

// Ticker drives the scheduler's background duties. Each tick sweeps expired
// leases, re-schedules due periodic definitions and promotes queued
// instances, in that order. A failing step is logged and the tick goes on.
type Ticker struct {
	service  *Service
	workers  ActivityReporter
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActivity    string
}

// TickerConfig contains configuration for the scheduler ticker
type TickerConfig struct {
	Interval time.Duration
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: 30 * time.Second}
}

// NewTicker creates a ticker bound to ctx. workers may be nil.
func NewTicker(ctx context.Context, service *Service, workers ActivityReporter, cfg TickerConfig) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		service:  service,
		workers:  workers,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		pulseLog: service.pulseLog.Named("ticker"),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Scheduler ticker started", "interval", t.interval)
}

// Stop cancels the loop and waits for the current tick to finish
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Scheduler ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			t.Tick(t.ctx)
		}
	}
}

// TickResult counts what one tick changed
type TickResult struct {
	Swept     int
	Scheduled int
	Promoted  int
	Errors    int
}

// Tick runs one sweep, schedule and promote pass
func (t *Ticker) Tick(ctx context.Context) TickResult {
	var res TickResult
	var err error

	if res.Swept, err = t.service.SweepTimeouts(ctx); err != nil {
		res.Errors++
		t.pulseLog.Warnw("Lease sweep error", logger.FieldError, err)
	}
	if res.Scheduled, err = t.service.ScheduleDue(ctx); err != nil {
		res.Errors++
		t.pulseLog.Warnw("Periodic scheduling error", logger.FieldError, err)
	}
	if res.Promoted, err = t.service.PromoteUnassigned(ctx); err != nil {
		res.Errors++
		t.pulseLog.Warnw("Promotion error", logger.FieldError, err)
	}
	if res.Errors > 0 {
		t.service.metrics.TickError()
	}

	t.logActivity(ctx, res)
	return res
}

// logActivity writes a heartbeat line, only when something changed since the last one
func (t *Ticker) logActivity(ctx context.Context, res TickResult) {
	ready, err := t.service.GetJobsToRun(ctx)
	if err != nil {
		t.pulseLog.Debugw("Failed to count claimable jobs", logger.FieldError, err)
		return
	}

	indicator := ""
	if n := len(ready); n > 0 {
		count := n/5 + 1
		if count > 60 {
			count = 60
		}
		indicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", count)) + " "
	}

	msg := fmt.Sprintf("%sPulse - %d claimable", indicator, len(ready))
	if res.Swept+res.Scheduled+res.Promoted > 0 {
		msg += fmt.Sprintf(", swept %d, scheduled %d, promoted %d", res.Swept, res.Scheduled, res.Promoted)
	}
	if t.workers != nil {
		active, total := t.workers.ActiveWorkers()
		msg += fmt.Sprintf(" │ Workers: %d/%d active", active, total)
	}

	t.mu.Lock()
	changed := msg != t.lastActivity
	t.lastActivity = msg
	t.mu.Unlock()

	if changed {
		t.pulseLog.Infow(msg)
	}
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval.String(),
	}
}
