package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julichbrain/atlas-export/data"
	"github.com/julichbrain/atlas-export/health"
	"github.com/julichbrain/atlas-export/interfaces"
)

func TestFormatUptimeHuman(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 5*time.Second, "2h 0m 5s"},
		{49*time.Hour + 30*time.Minute, "2d 1h 30m 0s"},
	}
	for _, tt := range tests {
		if got := formatUptimeHuman(tt.d); got != tt.want {
			t.Errorf("formatUptimeHuman(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestHealthCheckHandler(t *testing.T) {
	store := data.NewRunContainer()
	store.SetServerStartTime(time.Now().Add(-90 * time.Second))
	handler := HealthCheck(health.NewHealthChecker(store), store)

	// before any run
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before the first run, got %d", rec.Code)
	}

	store.BeginRun()
	store.EndRun(interfaces.RunSummary{
		FinishedAt:    time.Now(),
		Parcellations: []interfaces.ParcellationResult{{Key: "JULICH_BRAIN_V30", Files: make([]interfaces.FileResult, 3)}},
	}, nil)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 after a successful run, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Unexpected content type %q", ct)
	}

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", body.Status)
	}
	if body.Data["exported"] != float64(1) {
		t.Errorf("Expected exported=1, got %v", body.Data["exported"])
	}
	if body.UptimeSeconds < 90 {
		t.Errorf("Expected uptime of at least 90s, got %v", body.UptimeSeconds)
	}
}
