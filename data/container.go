// Package data holds the run state shared by the scheduler and the status
// server. Every field is stored atomically so readers never block a run.
package data

import (
	"sync/atomic"
	"time"

	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
)

// Compile-time check to ensure RunContainer implements RunStore
var _ interfaces.RunStore = (*RunContainer)(nil)

// errBox lets a nil error live in an atomic.Value.
type errBox struct {
	err error
}

// RunContainer tracks the in-progress flag and the outcome of the last run
type RunContainer struct {
	lastRun         atomic.Value // time.Time
	lastSuccess     atomic.Value // time.Time
	lastSummary     atomic.Value // interfaces.RunSummary
	lastError       atomic.Value // errBox
	running         atomic.Bool
	serverStartTime atomic.Value // time.Time
}

// NewRunContainer creates a container with no run recorded
func NewRunContainer() *RunContainer {
	rc := &RunContainer{}
	rc.lastRun.Store(time.Time{})
	rc.lastSuccess.Store(time.Time{})
	rc.lastSummary.Store(interfaces.RunSummary{})
	rc.lastError.Store(errBox{})
	rc.serverStartTime.Store(time.Time{})
	return rc
}

// BeginRun marks the start of an export run.
// Returns true if the run can proceed, false if another run is in progress
func (rc *RunContainer) BeginRun() bool {
	return rc.running.CompareAndSwap(false, true)
}

// EndRun records the outcome of the run started by BeginRun. A successful
// run replaces the last summary; a failed one only sets the error.
func (rc *RunContainer) EndRun(summary interfaces.RunSummary, err error) {
	finished := summary.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	rc.lastRun.Store(finished)
	rc.lastError.Store(errBox{err: err})
	if err == nil {
		rc.lastSuccess.Store(finished)
		rc.lastSummary.Store(summary)
	}
	rc.running.Store(false)
}

// IsRunning returns true if an export run is currently in progress
func (rc *RunContainer) IsRunning() bool {
	return rc.running.Load()
}

// GetLastRun returns when the last run finished, successful or not
func (rc *RunContainer) GetLastRun() time.Time {
	return rc.loadTime(&rc.lastRun, "last run")
}

// GetLastSuccess returns when the last successful run finished
func (rc *RunContainer) GetLastSuccess() time.Time {
	return rc.loadTime(&rc.lastSuccess, "last success")
}

// GetLastSummary returns the summary of the last successful run
func (rc *RunContainer) GetLastSummary() interfaces.RunSummary {
	if v := rc.lastSummary.Load(); v != nil {
		if s, ok := v.(interfaces.RunSummary); ok {
			return s
		}
	}
	logging.Warn("Could not get the last run summary")
	return interfaces.RunSummary{}
}

// GetLastError returns the error of the last run, nil if it succeeded
func (rc *RunContainer) GetLastError() error {
	if v := rc.lastError.Load(); v != nil {
		if b, ok := v.(errBox); ok {
			return b.err
		}
	}
	return nil
}

// SetServerStartTime sets the server start time
func (rc *RunContainer) SetServerStartTime(startTime time.Time) {
	rc.serverStartTime.Store(startTime)
}

// GetServerStartTime returns the server start time
func (rc *RunContainer) GetServerStartTime() time.Time {
	return rc.loadTime(&rc.serverStartTime, "server start time")
}

func (rc *RunContainer) loadTime(v *atomic.Value, what string) time.Time {
	if raw := v.Load(); raw != nil {
		if t, ok := raw.(time.Time); ok {
			return t
		}
	}
	logging.Warn("Could not get the " + what + " value")
	return time.Time{}
}
