package logging

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestLoggingMiddleware(t *testing.T) {
	var logOutput strings.Builder
	logger := slog.New(slog.NewTextHandler(&logOutput, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	tests := []struct {
		path   string
		logged bool
	}{
		{"/health", false},
		{"/metrics", false},
		{"/", true},
		{"/health/extra", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			logOutput.Reset()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req-42"))
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", rr.Code)
			}

			logs := logOutput.String()
			if !tt.logged {
				if logs != "" {
					t.Errorf("expected no logs for %s, got: %s", tt.path, logs)
				}
				return
			}
			for _, want := range []string{"HTTP request", "request_id=req-42", "status_code=200", "bytes_written=2"} {
				if !strings.Contains(logs, want) {
					t.Errorf("expected log to contain %q, got: %s", want, logs)
				}
			}
		})
	}
}
