// Package scheduler re-runs the export on a cron schedule. It guards
// against overlapping runs through the run store and publishes each
// outcome to it.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/metrics"
)

// Compile-time check to ensure Scheduler implements Scheduler interface
var _ interfaces.Scheduler = (*Scheduler)(nil)

// Scheduler runs the exporter periodically using dependency injection
type Scheduler struct {
	runStore        interfaces.RunStore
	exporter        interfaces.Exporter
	cronSpec        string
	metricsTextfile string
	scheduler       *gocron.Scheduler
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewScheduler creates a new scheduler instance with injected dependencies.
// metricsTextfile may be empty.
func NewScheduler(runStore interfaces.RunStore, exporter interfaces.Exporter, cronSpec, metricsTextfile string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()
	return &Scheduler{
		runStore:        runStore,
		exporter:        exporter,
		cronSpec:        cronSpec,
		metricsTextfile: metricsTextfile,
		scheduler:       s,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start schedules the export, performs the initial run, then starts the
// cron loop and run monitoring. Stop cancels an initial run in progress and
// makes Start return the context error.
func (s *Scheduler) Start() error {
	job, err := s.scheduler.Cron(s.cronSpec).Do(func() {
		if err := s.runExport(); err != nil {
			logging.Error("Scheduled export failed", "error", err)
		}
	})
	if err != nil {
		logging.Error("Failed to schedule exports", "cron", s.cronSpec, "error", err)
		return fmt.Errorf("failed to schedule exports: %w", err)
	}

	if err := s.runExport(); err != nil {
		s.scheduler.Clear()
		logging.Error("Failed to perform initial export", "error", err)
		return fmt.Errorf("initial export failed: %w", err)
	}
	if err := s.ctx.Err(); err != nil {
		s.scheduler.Clear()
		return fmt.Errorf("scheduler stopped during initial export: %w", err)
	}

	s.scheduler.StartAsync()
	logging.Info("Exports scheduled", "cron", s.cronSpec, "next_run", job.NextRun().Format(time.RFC3339))

	s.startRunMonitoring()
	return nil
}

// Stop cancels a run in progress and stops the scheduler
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// runExport performs one export guarded by the run store
func (s *Scheduler) runExport() error {
	if !s.runStore.BeginRun() {
		logging.Info("Export already in progress, skipping...")
		return nil
	}

	summary, err := s.exporter.Run(s.ctx)
	s.runStore.EndRun(summary, err)

	if werr := metrics.WriteTextfile(s.metricsTextfile); werr != nil {
		logging.Warn("Failed to write metrics textfile", "path", s.metricsTextfile, "error", werr)
	}
	if err != nil {
		return fmt.Errorf("export run %s: %w", summary.RunID, err)
	}
	return nil
}

// startRunMonitoring periodically logs a failing exporter
func (s *Scheduler) startRunMonitoring() {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.runStore.GetLastError(); err != nil {
					logging.Warn("Last export failed",
						"error", err,
						"last_success", s.runStore.GetLastSuccess().Format(time.RFC3339),
					)
				}
			}
		}
	}()
}
