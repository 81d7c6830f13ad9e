// Package health reports whether scheduled exports are succeeding.
package health

import (
	"math"
	"net/http"
	"time"

	"github.com/julichbrain/atlas-export/interfaces"
)

// HealthCheckerImpl implements the interfaces.HealthChecker interface
type HealthCheckerImpl struct {
	runStore interfaces.RunStore
}

// NewHealthChecker creates a new health checker with injected dependencies
func NewHealthChecker(runStore interfaces.RunStore) interfaces.HealthChecker {
	return &HealthCheckerImpl{
		runStore: runStore,
	}
}

// HealthCheck returns the status served on /health. The exporter is
// unhealthy until a run has succeeded and whenever the last run failed.
func (h *HealthCheckerImpl) HealthCheck() (status string, data map[string]any, httpStatus int) {
	lastRun := h.runStore.GetLastRun()
	lastSuccess := h.runStore.GetLastSuccess()
	lastErr := h.runStore.GetLastError()
	summary := h.runStore.GetLastSummary()
	isRunning := h.runStore.IsRunning()

	switch {
	case lastErr != nil:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	case lastSuccess.IsZero() && isRunning:
		status = "starting"
		httpStatus = http.StatusServiceUnavailable

	case lastSuccess.IsZero():
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	default:
		status = "healthy"
		httpStatus = http.StatusOK
	}

	data = map[string]any{
		"last_run":      formatTime(lastRun),
		"last_success":  formatTime(lastSuccess),
		"exported":      len(summary.Parcellations),
		"files_written": summary.FilesWritten(),
		"is_running":    isRunning,
	}
	if !lastSuccess.IsZero() {
		data["success_age_hours"] = math.Round(time.Since(lastSuccess).Hours()*10) / 10
	}
	if lastErr != nil {
		data["last_error"] = lastErr.Error()
	}

	return status, data, httpStatus
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
