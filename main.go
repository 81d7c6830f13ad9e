package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/julichbrain/atlas-export/config"
	"github.com/julichbrain/atlas-export/data"
	"github.com/julichbrain/atlas-export/exporter"
	"github.com/julichbrain/atlas-export/health"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/ledger"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/metrics"
	"github.com/julichbrain/atlas-export/scheduler"
	"github.com/julichbrain/atlas-export/server"
	"github.com/julichbrain/atlas-export/siibra"
	"github.com/julichbrain/atlas-export/telemetry"
	"github.com/julichbrain/atlas-export/validation"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A missing .env is fine, the environment may already be set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logging.InitLogger(logging.Options{
		LogDir:         cfg.LogDir,
		Level:          cfg.LogLevel,
		RetentionWeeks: cfg.LogRetentionWeeks,
		MaxFileSize:    cfg.MaxLogFileSize,
	})
	defer func() { _ = logging.Close() }()

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    cfg.OtelEndpoint,
		Enabled:     cfg.OtelEnabled,
		Environment: cfg.Env,
	})
	if err != nil {
		logging.Warn("Tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logging.Warn("Failed to flush traces", "error", err)
		}
	}()

	client, err := siibra.NewClient(siibra.Options{
		BaseURL:           cfg.SiibraAPIURL,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	if err != nil {
		logging.Error("Failed to create atlas client", "error", err)
		return 1
	}

	// recorder stays a nil interface when no ledger is configured
	var recorder interfaces.ExportRecorder
	if cfg.LedgerPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
			logging.Error("Failed to create ledger directory", "error", err)
			return 1
		}
		store, err := ledger.Open(ctx, cfg.LedgerPath)
		if err != nil {
			logging.Error("Failed to open export ledger", "path", cfg.LedgerPath, "error", err)
			return 1
		}
		defer func() { _ = store.Close() }()
		recorder = store
	}

	exp := exporter.New(exporter.Options{
		OutputRoot:         cfg.OutputRoot,
		CoordinateSpace:    cfg.CoordinateSpace,
		ParcellationPrefix: cfg.ParcellationPrefix,
		AtlasName:          cfg.AtlasName,
	}, client, recorder)
	if cfg.VerifyExports {
		exp.WithValidator(validation.NewExportValidator())
	}

	if !cfg.Scheduled() {
		return runOnce(ctx, cfg, exp)
	}
	return runScheduled(cfg, exp)
}

// runOnce performs a single export and maps its outcome to an exit code.
func runOnce(ctx context.Context, cfg *config.Config, exp interfaces.Exporter) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := exp.Run(ctx)
	if werr := metrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
		logging.Warn("Failed to write metrics textfile", "error", werr)
	}
	if err != nil {
		logging.Error("Export failed", "error", err)
		return 1
	}

	logging.Info("Export finished",
		"parcellations", len(summary.Parcellations),
		"files_written", summary.FilesWritten(),
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String())
	return 0
}

// runScheduled runs exports on cfg.SyncCron and serves /health and
// /metrics until SIGINT or SIGTERM.
func runScheduled(cfg *config.Config, exp interfaces.Exporter) int {
	runStore := data.NewRunContainer()
	runStore.SetServerStartTime(time.Now())

	sched := scheduler.NewScheduler(runStore, exp, cfg.SyncCron, cfg.MetricsTextfile)
	srv := server.NewServer(cfg, runStore, health.NewHealthChecker(runStore))

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := superviseScheduler(sched, quit, serverErr)
	shutdown(srv)
	return code
}

// superviseScheduler starts sched and waits for a signal or a server
// failure. Start blocks for the initial export, so it runs in its own
// goroutine and a signal stops it mid-run.
func superviseScheduler(sched interfaces.Scheduler, quit <-chan os.Signal, serverErr <-chan error) int {
	startDone := make(chan error, 1)
	go func() { startDone <- sched.Start() }()

	code := 0
	for waiting := true; waiting; {
		select {
		case err := <-startDone:
			startDone = nil
			if err != nil {
				logging.Error("Failed to start scheduler", "error", err)
				code = 1
				waiting = false
			}
		case sig := <-quit:
			logging.Info("Received signal, shutting down", "signal", sig.String())
			waiting = false
		case err := <-serverErr:
			logging.Error("Status server failed", "error", err)
			code = 1
			waiting = false
		}
	}

	sched.Stop()
	if startDone != nil {
		<-startDone
	}
	return code
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Status server shutdown failed", "error", err)
	}
}
