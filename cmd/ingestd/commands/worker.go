package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/async"
	"github.com/teranos/ingestd/sym"
)

// WorkerCmd runs a worker pool against a remote scheduler
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.PulseOpen + " Run workers against a remote scheduler",
	Long: sym.PulseOpen + ` Run a worker pool that claims jobs from a scheduler over HTTP.

Workers poll for runnable instances, claim them under a lease, checkpoint
progress while they run and report the outcome. On Ctrl+C running instances
are handed back so another worker can resume them from their checkpoint.

Examples:
  ingestd worker --scheduler http://scheduler:8740
  ingestd worker --workers 8 --metrics-port 9101`,
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().String("scheduler", "", "Scheduler URL (default from pulse.scheduler_url)")
	WorkerCmd.Flags().Int("workers", 0, "Concurrent workers (default from pulse.workers)")
	WorkerCmd.Flags().Int("metrics-port", 0, "Serve /metrics on this port (0 = disabled)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}
	if cfg.Pulse.Workers == 0 {
		return errors.WithHint(errors.New("no workers to run"), "set pulse.workers or pass --workers")
	}
	log := logger.Logger

	lc, err := newClient(cmd, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, m := newRegistry()
	eng, err := newEngine(ctx, cfg, m, log)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	var metricsSrv *http.Server
	if port, _ := cmd.Flags().GetInt("metrics-port"); port > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return errors.Wrapf(err, "failed to listen on metrics port %d", port)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- errors.Wrap(err, "metrics server failed")
			}
		}()
	}

	pool := async.NewWorkerPool(ctx, lc, eng, poolConfig(cfg), log, async.WithMetrics(m))
	pool.Start()

	pterm.DefaultHeader.WithFullWidth().Printf("%s ingestd worker", sym.Pulse)
	pterm.Println()
	pterm.Info.Printf("Scheduler:  %s\n", schedulerURL(cmd, cfg))
	pterm.Info.Printf("Worker ID:  %s\n", pool.WorkerID())
	pterm.Info.Printf("Workers:    %d\n", pool.Workers())
	pterm.Println()

	runErr := waitForSignal(errc)
	pterm.Info.Println(sym.PulseClose + " Handing back running jobs...")

	pool.Stop()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	cancel()

	if runErr != nil {
		return runErr
	}
	pterm.Success.Println(sym.Pulse + " Worker stopped")
	return nil
}
