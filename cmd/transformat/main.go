// Command transformat runs one batch cycle of the file transformation
// worker: recover stale tasks, drain the pending queue, exit.
//
// Exit codes:
//
//	0  the batch ran, including runs where individual tasks failed
//	1  startup failure or the task queue was unreachable
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/internal/telemetry"
	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/downstream"
	"github.com/boa-dtp/transformat/pkg/errcode"
	"github.com/boa-dtp/transformat/pkg/lock"
	"github.com/boa-dtp/transformat/pkg/metrics"
	"github.com/boa-dtp/transformat/pkg/repository"
	"github.com/boa-dtp/transformat/pkg/transfer"
	"github.com/boa-dtp/transformat/pkg/worker"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var envFileDir string

var rootCmd = &cobra.Command{
	Use:   "transformat",
	Short: "Batch file transformation worker",
	Long: `transformat drains the pending file_tasks queue: each task fetches one
input file over SFTP, parses it per its registered schema, writes a
typed Parquet file and submits it for downstream masking.

Configuration comes from environment variables with an optional
resources/env/<ENV>.env fallback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("transformat %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileDir, "env-dir", "", "directory holding <env>.env files (default: resources/env)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var e *errcode.Error
		if errcode.AsError(err, &e) {
			logger.Error("worker aborted", e.LogFields()...)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(envFileDir)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("transformat starting",
		"version", version,
		"env", cfg.Env,
		"batch_size", cfg.Batch.Size)

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err.Error())
		}
	}()

	var workerMetrics *metrics.WorkerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		workerMetrics = metrics.NewWorkerMetrics()
		stopMetrics := serveMetrics(cfg.Metrics.Port)
		defer stopMetrics()
	}

	pool, err := repository.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repository.ClosePool(pool)

	if err := repository.RunMigrations(ctx, cfg.Database.ConnString()); err != nil {
		return err
	}

	tasks := repository.NewTaskRepo(pool)
	records := repository.NewFileRecordRepo(pool)
	fieldDefs := repository.NewFieldDefRepo(pool)

	dial := func() (transfer.Reader, error) { return transfer.Connect(cfg.SFTP) }
	masker := downstream.New(cfg.Downstream)

	processor := worker.NewProcessor(
		tasks, records, fieldDefs,
		dial, masker,
		cfg.Paths, cfg.Batch.StreamBatchSize,
		workerMetrics,
	)
	orchestrator := worker.NewOrchestrator(
		tasks,
		func() worker.Locker { return lock.New(pool) },
		processor,
		cfg.Batch.Size, cfg.Batch.StaleHours,
		workerMetrics,
	)

	result, err := orchestrator.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("transformat finished",
		logger.KeySucceeded, result.Succeeded,
		logger.KeyFailed, result.Failed,
		logger.KeySkipped, result.Skipped,
		"recovered", result.Recovered)
	return nil
}

// serveMetrics exposes /metrics for the duration of the run. Scrape
// gaps are expected for short batches; long drains benefit.
func serveMetrics(port int) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()
	logger.Info("metrics endpoint enabled", "port", port)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
