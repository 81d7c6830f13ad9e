// Package metrics provides Prometheus metrics for the atlas exporter.
// It exports metrics for export runs, the files they write, the requests
// made to the atlas service and, in scheduled mode, the status server:
//   - export_runs_total: Counter with outcome label
//   - export_parcellations_total: Counter of exported parcellation versions
//   - export_files_written_total / export_bytes_written_total: by file kind
//   - export_compress_fallbacks_total: labelled maps kept uncompressed
//   - export_statistical_volumes_dropped_total: absent probability volumes
//   - export_quality_findings_total: verified exports with findings
//   - atlas_requests_total / atlas_request_duration_seconds: by endpoint
//   - http_request_total / http_request_duration_seconds / http_request_in_flight
//
// All metrics are automatically registered with the Prometheus default registry
// during package initialization.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_runs_total",
			Help: "Completed export runs",
		},
		[]string{"outcome"},
	)

	ExportRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "export_run_duration_seconds",
			Help:    "Wall time of export runs",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	ParcellationsExported = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_parcellations_total",
			Help: "Parcellation versions exported",
		},
	)

	FilesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_files_written_total",
			Help: "Files written by kind",
		},
		[]string{"kind"},
	)

	BytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_bytes_written_total",
			Help: "Bytes written by kind",
		},
		[]string{"kind"},
	)

	CompressFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_compress_fallbacks_total",
			Help: "Labelled maps saved uncompressed because compression failed",
		},
	)

	StatisticalVolumesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_statistical_volumes_dropped_total",
			Help: "Statistical volumes the atlas service could not provide",
		},
	)

	QualityFindings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_quality_findings_total",
			Help: "Verified exports whose files disagree with each other",
		},
	)

	AtlasRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_requests_total",
			Help: "Requests made to the atlas service",
		},
		[]string{"endpoint", "status"},
	)

	AtlasRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_request_duration_seconds",
			Help:    "Atlas service request latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"endpoint"},
	)

	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		},
	)
)

func init() {
	prometheus.MustRegister(ExportRunsTotal)
	prometheus.MustRegister(ExportRunDuration)
	prometheus.MustRegister(ParcellationsExported)
	prometheus.MustRegister(FilesWritten)
	prometheus.MustRegister(BytesWritten)
	prometheus.MustRegister(CompressFallbacks)
	prometheus.MustRegister(StatisticalVolumesDropped)
	prometheus.MustRegister(QualityFindings)
	prometheus.MustRegister(AtlasRequestsTotal)
	prometheus.MustRegister(AtlasRequestDuration)
	prometheus.MustRegister(HTTPRequestTotals)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestInFlight)
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
