package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/ixgest/snapshot"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/async"
	"github.com/teranos/ingestd/pulse/schedule"
	"github.com/teranos/ingestd/pulse/trigger"
	"github.com/teranos/ingestd/server"
	"github.com/teranos/ingestd/sym"
	"github.com/teranos/ingestd/version"
)

// ServeCmd runs the scheduler process
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run the scheduler, triggers and local workers",
	Long: sym.Pulse + ` Run the scheduler in the foreground.

The process owns the lease store and serves the HTTP API remote workers
talk to. It also:
- sweeps expired leases and promotes queued instances on every tick
- re-schedules periodic definitions when they are due
- fires periodic triggers from their cron schedule
- runs pulse.workers local workers (0 = scheduler only)

Stops gracefully on Ctrl+C: running instances are handed back before exit.

Examples:
  ingestd serve
  ingestd serve --port 9000 --workers 0`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "HTTP port (default from server.port)")
	ServeCmd.Flags().Int("workers", -1, "Local workers (default from pulse.workers)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers >= 0 {
		cfg.Pulse.Workers = workers
	}
	log := logger.Logger

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	store, err := newLeaseStore(cfg, conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, m := newRegistry()

	snapSettings := snapshot.NewSettings(cfg.Snapshot)
	snapWriter := snapshot.NewWriter(snapshot.NewStore(conn), snapSettings, log)
	if err := snapWriter.PurgeDeletedTenants(ctx); err != nil {
		log.Warnw("Failed to purge deleted tenants", logger.FieldError, err)
	}

	svc := schedule.NewService(store, log,
		schedule.WithMetrics(m),
		schedule.WithBroadcaster(schedule.NewBroadcaster(cfg.Pulse.EventBufferSize)),
		schedule.WithSnapshotWriter(snapWriter),
	)

	var pool *async.WorkerPool
	if cfg.Pulse.Workers > 0 {
		eng, err := newEngine(ctx, cfg, m, log)
		if err != nil {
			return err
		}
		pool = async.NewWorkerPool(ctx, svc, eng, poolConfig(cfg), log, async.WithMetrics(m))
		pool.Start()
	}

	var ticker *schedule.Ticker
	if cfg.Pulse.TickerIntervalSeconds > 0 {
		var activity schedule.ActivityReporter
		if pool != nil {
			activity = pool
		}
		ticker = schedule.NewTicker(ctx, svc, activity, schedule.TickerConfig{
			Interval: time.Duration(cfg.Pulse.TickerIntervalSeconds) * time.Second,
		})
		ticker.Start()
	} else {
		log.Warnw("Scheduler ticker disabled: leases are never swept and periodic definitions never fire")
	}

	triggerStore := trigger.NewStore(conn)
	runner := trigger.NewRunner(trigger.SchedulerJobCreator{Service: svc}, triggerStore, snapSettings, log,
		trigger.WithMetrics(m))
	triggers := trigger.NewService(triggerStore, runner, log)
	if err := triggers.Start(ctx); err != nil {
		// Triggers with a valid schedule are running; report the rest
		log.Warnw("Some triggers could not be scheduled", logger.FieldError, err)
	}

	srv := server.New(server.Config{
		Service:        svc,
		Triggers:       triggers,
		Gatherer:       reg,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         log,
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(addr)
	}()

	printServeSummary(cfg, addr)

	runErr := waitForSignal(errc)
	pterm.Info.Println(sym.PulseClose + " Shutting down...")

	// Reverse order of startup
	stopCtx, stopCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warnw("Server shutdown incomplete", logger.FieldError, err)
	}
	triggers.Stop()
	if ticker != nil {
		ticker.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	cancel()

	if runErr != nil {
		return runErr
	}
	pterm.Success.Println(sym.Pulse + " Scheduler stopped")
	return nil
}

func printServeSummary(cfg *am.Config, addr string) {
	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("%s ingestd %s", sym.Pulse, info.Version)
	pterm.Println()
	pterm.Info.Printf("Commit:     %s\n", info.Short())
	pterm.Info.Printf("Database:   %s (%s lease store)\n", cfg.GetDatabasePath(), cfg.Database.Store)
	pterm.Info.Printf("HTTP:       %s\n", addr)
	pterm.Info.Printf("Workers:    %d\n", cfg.Pulse.Workers)
	pterm.Info.Printf("Tick:       %ds\n", cfg.Pulse.TickerIntervalSeconds)
	pterm.Println()
	pterm.Info.Println(sym.PulseOpen + " Press Ctrl+C for graceful shutdown")
}
