// Package handlers provides the HTTP handlers of the status server.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
)

// RespondWithJSON writes payload as a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		logging.Warn("Failed to write JSON response", "error", err)
	}
}

// formatUptimeHuman formats duration into a human-readable string
func formatUptimeHuman(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status        string         `json:"status"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Data          map[string]any `json:"data"`
	System        map[string]any `json:"system"`
}

// HealthCheck reports the exporter's run health
func HealthCheck(checker interfaces.HealthChecker, runStore interfaces.RunStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, data, httpStatus := checker.HealthCheck()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		var uptime time.Duration
		if start := runStore.GetServerStartTime(); !start.IsZero() {
			uptime = time.Since(start)
		}

		RespondWithJSON(w, httpStatus, HealthResponse{
			Status:        status,
			Uptime:        formatUptimeHuman(uptime),
			UptimeSeconds: uptime.Seconds(),
			Data:          data,
			System: map[string]any{
				"goroutines": runtime.NumGoroutine(),
				"alloc_mb":   int(m.Alloc / 1024 / 1024),
				"sys_mb":     int(m.Sys / 1024 / 1024),
				"num_gc":     m.NumGC,
			},
		})
	}
}
