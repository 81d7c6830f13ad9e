// Package interfaces defines core abstractions for the atlas exporter
// to improve testability, maintainability, and separation of concerns.
package interfaces

import (
	"context"
	"time"

	"github.com/julichbrain/atlas-export/atlas"
)

// FileResult describes one file written by an export.
type FileResult struct {
	Name  string
	Path  string
	Bytes int64
}

// ParcellationResult summarizes the export of one parcellation version
type ParcellationResult struct {
	Key                string
	Version            string
	Dir                string
	Compression        atlas.CompressOutcome
	Labels             int
	StatisticalVolumes int
	DroppedVolumes     int
	Files              []FileResult
	Quality            *ExportQualityReport // set when exports are verified
	PriorRuns          int                  // earlier runs in the ledger for this version
	ChangedFiles       []string             // files whose digest differs from the previous run
}

// RunSummary is the outcome of one full export run
type RunSummary struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	Parcellations []ParcellationResult
}

// FilesWritten returns the number of files across all parcellations.
func (s RunSummary) FilesWritten() int {
	n := 0
	for _, p := range s.Parcellations {
		n += len(p.Files)
	}
	return n
}

// ExportRecord is one ledger row: a file produced by a run.
type ExportRecord struct {
	RunID        string
	Parcellation string
	Version      string
	File         string
	Bytes        int64
	SHA256       string
	CreatedAt    time.Time
}

// AtlasSource defines the contract for the external atlas service.
// It is treated as an opaque data source: lookups, map retrieval and
// volume fetches all block until the service answers.
type AtlasSource interface {
	// Atlas looks an atlas up by (partial) name
	Atlas(ctx context.Context, name string) (*atlas.Atlas, error)

	// LabelledMap returns the discrete region-label map of a parcellation
	LabelledMap(ctx context.Context, parcellation, space string) (*atlas.LabelledMap, error)

	// StatisticalMap returns the per-region probability maps of a parcellation
	StatisticalMap(ctx context.Context, parcellation, space string) (*atlas.StatisticalMap, error)
}

// ExportHistory lists what earlier runs recorded.
type ExportHistory interface {
	ListExports(ctx context.Context, version string) ([]ExportRecord, error)
}

// ExportQualityReport describes an export directory read back from disk.
// Label lists hold at most the first 10 offenders.
type ExportQualityReport struct {
	Dir                string
	Labels             int
	DuplicateLabels    []int
	EmptyRegionNames   int
	LabelsMissingInMap int
	MissingLabels      []int
	UnknownLabelVoxels int
	UnknownLabels      []int
	StatisticalVolumes int
	OutOfRangeValues   int
}

// Clean reports whether the export has no quality findings.
func (r *ExportQualityReport) Clean() bool {
	return len(r.DuplicateLabels) == 0 &&
		r.EmptyRegionNames == 0 &&
		r.LabelsMissingInMap == 0 &&
		r.UnknownLabelVoxels == 0 &&
		r.EmptyVolumes == 0 &&
		r.OutOfRangeValues == 0
}

// ExportValidator checks a written version directory.
type ExportValidator interface {
	// ValidateExport fails on structurally broken output and reports
	// quality findings otherwise
	ValidateExport(dir string) (*ExportQualityReport, error)
}

// Exporter runs one complete fetch-and-save pass.
type Exporter interface {
	Run(ctx context.Context) (RunSummary, error)
}

// ExportRecorder persists a record of every file an export writes.
type ExportRecorder interface {
	RecordExport(ctx context.Context, rec ExportRecord) error
}

// RunStore defines the contract for run state shared between the
// scheduler and the status server.
type RunStore interface {
	BeginRun() bool
	EndRun(summary RunSummary, err error)
	IsRunning() bool
	GetLastRun() time.Time
	GetLastSuccess() time.Time
	GetLastSummary() RunSummary
	GetLastError() error
	GetServerStartTime() time.Time
}

// Scheduler defines the contract for job scheduling and health monitoring.
// It manages periodic export runs.
type Scheduler interface {
	// Lifecycle management
	Start() error
	Stop()
}

// HealthChecker defines the contract for health check functionality.
// It provides system health monitoring and reporting.
type HealthChecker interface {
	// HealthCheck returns current system health status
	HealthCheck() (status string, details map[string]any, httpStatus int)
}
