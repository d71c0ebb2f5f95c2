package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/git"
	"github.com/teranos/ingestd/ixgest/github"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/async"
	"github.com/teranos/ingestd/pulse/lease"
	"github.com/teranos/ingestd/pulse/metrics"
)

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	conn, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return conn, nil
}

// newLeaseStore returns the lease store selected by database.store
func newLeaseStore(cfg *am.Config, conn *sql.DB) (lease.Store, error) {
	if cfg.Database.Store == am.StoreMemory {
		logger.Logger.Warnw("Using in-memory lease store, job state is lost on restart")
		store, err := lease.NewMemStore()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create memory lease store")
		}
		return store, nil
	}
	return lease.NewSQLStore(conn, logger.Logger), nil
}

// newRegistry returns a prometheus registry carrying the ingestd collectors
// plus the Go runtime and process collectors
func newRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

// newEngine registers every built-in controller. Each data source gets its
// own limiter so one slow upstream cannot starve the other.
func newEngine(ctx context.Context, cfg *am.Config, m *metrics.Metrics, log *zap.SugaredLogger) (*engine.Engine, error) {
	reg := engine.NewRegistry()
	reg.MustRegister(git.NewController(github.Limiter(cfg.Pulse.MaxRequestsPerMinute)))

	client, err := github.NewClient(ctx, github.ClientConfig{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if cfg.GitHub.Token == "" {
		log.Warnw("No GitHub token configured, issue ingestion uses the anonymous rate limit")
	}
	reg.MustRegister(github.NewController(client, github.Limiter(cfg.Pulse.MaxRequestsPerMinute)))

	return engine.New(reg, log, engine.WithMetrics(m)), nil
}

// poolConfig maps the pulse section onto a worker pool config
func poolConfig(cfg *am.Config) async.WorkerPoolConfig {
	return async.WorkerPoolConfig{
		Workers:             cfg.Pulse.Workers,
		PollInterval:        time.Duration(cfg.Pulse.PollIntervalSeconds) * time.Second,
		CancelCheckInterval: time.Duration(cfg.Pulse.CancelCheckSeconds) * time.Second,
		ShutdownTimeout:     time.Duration(cfg.Pulse.ShutdownTimeoutSeconds) * time.Second,
		WorkerID:            cfg.Pulse.WorkerID,
	}
}

// waitForSignal blocks until SIGINT/SIGTERM or until errc delivers
func waitForSignal(errc <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		return nil
	case err := <-errc:
		return err
	}
}
