// Package exporter fetches Julich-Brain parcellations from an atlas source
// and writes, per parcellation version, a labelled volume, its label table
// and the stacked statistical volume.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/julichbrain/atlas-export/atlas"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/metrics"
)

// ErrNoStatisticalVolumes is returned when every volume of a statistical map
// is absent.
var ErrNoStatisticalVolumes = errors.New("statistical map has no available volumes")

// Exporter runs the fetch-and-save pipeline against an atlas source.
type Exporter struct {
	opts      Options
	source    interfaces.AtlasSource
	recorder  interfaces.ExportRecorder
	validator interfaces.ExportValidator
	tracer    trace.Tracer
}

var _ interfaces.Exporter = (*Exporter)(nil)

// New builds an exporter. recorder may be nil.
func New(opts Options, source interfaces.AtlasSource, recorder interfaces.ExportRecorder) *Exporter {
	return &Exporter{
		opts:     opts.withDefaults(),
		source:   source,
		recorder: recorder,
		tracer:   otel.Tracer("github.com/julichbrain/atlas-export/exporter"),
	}
}

// Run exports every selected parcellation of opts.AtlasName from source.
func Run(ctx context.Context, opts Options, source interfaces.AtlasSource) (interfaces.RunSummary, error) {
	return New(opts, source, nil).Run(ctx)
}

// WithValidator makes the exporter read every version directory back
// after writing it. A structurally invalid export fails the run.
func (e *Exporter) WithValidator(v interfaces.ExportValidator) *Exporter {
	e.validator = v
	return e
}

// Run performs one export pass. Parcellations are processed one at a time
// and the first error aborts the run.
func (e *Exporter) Run(ctx context.Context) (summary interfaces.RunSummary, err error) {
	summary = interfaces.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	log := logging.With("run_id", summary.RunID)

	ctx, span := e.tracer.Start(ctx, "export.run", trace.WithAttributes(
		attribute.String("run.id", summary.RunID),
		attribute.String("atlas.name", e.opts.AtlasName),
		attribute.String("atlas.space", e.opts.CoordinateSpace),
	))
	defer func() {
		summary.FinishedAt = time.Now()
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ExportRunsTotal.WithLabelValues(outcome).Inc()
		metrics.ExportRunDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
		span.End()
	}()

	log.Info("Starting export",
		"atlas", e.opts.AtlasName,
		"space", e.opts.CoordinateSpace,
		"prefix", e.opts.ParcellationPrefix,
		"output_root", e.opts.OutputRoot,
	)

	a, err := e.source.Atlas(ctx, e.opts.AtlasName)
	if err != nil {
		return summary, fmt.Errorf("atlas %q: %w", e.opts.AtlasName, err)
	}

	keys := atlas.SelectParcellations(a, e.opts.ParcellationPrefix)
	log.Info("Selected parcellations", "count", len(keys), "keys", keys)

	if err := EnsureDir(e.opts.OutputRoot); err != nil {
		return summary, err
	}

	versions := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res, err := e.exportParcellation(ctx, log, summary.RunID, key)
		if err != nil {
			return summary, fmt.Errorf("export %s: %w", key, err)
		}
		if prev, dup := versions[res.Version]; dup {
			log.Warn("Parcellations share a version directory, the later one wins",
				"version", res.Version, "first", prev, "second", key)
		}
		versions[res.Version] = key
		summary.Parcellations = append(summary.Parcellations, res)
		metrics.ParcellationsExported.Inc()
	}

	log.Info("Export finished",
		"parcellations", len(summary.Parcellations),
		"files", summary.FilesWritten(),
		"duration", time.Since(summary.StartedAt).String(),
	)
	return summary, nil
}

func (e *Exporter) exportParcellation(ctx context.Context, log *slog.Logger, runID, key string) (res interfaces.ParcellationResult, err error) {
	ctx, span := e.tracer.Start(ctx, "export.parcellation", trace.WithAttributes(
		attribute.String("parcellation.key", key),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	version, err := atlas.VersionToken(key)
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.String("parcellation.version", version))

	res = interfaces.ParcellationResult{
		Key:     key,
		Version: version,
		Dir:     VersionDir(e.opts.OutputRoot, version),
	}
	log = log.With("parcellation", key, "version", version)

	if err := e.exportLabelled(ctx, log, runID, &res); err != nil {
		return res, err
	}
	if err := e.exportStatistical(ctx, log, runID, &res); err != nil {
		return res, err
	}
	e.compareWithLedger(ctx, log, runID, &res)
	if e.validator != nil {
		q, err := e.validator.ValidateExport(res.Dir)
		if err != nil {
			return res, fmt.Errorf("verify %s: %w", res.Dir, err)
		}
		res.Quality = q
		logQuality(log, q)
	}

	log.Info("Parcellation exported",
		"dir", res.Dir,
		"compression", res.Compression.String(),
		"labels", res.Labels,
		"statistical_volumes", res.StatisticalVolumes,
		"dropped_volumes", res.DroppedVolumes,
		"prior_runs", res.PriorRuns,
		"changed_files", res.ChangedFiles,
	)
	return res, nil
}

// written accounts for one output file: metrics, result and ledger.
func (e *Exporter) written(ctx context.Context, runID string, res *interfaces.ParcellationResult, kind, name, path string, n int64) error {
	metrics.FilesWritten.WithLabelValues(kind).Inc()
	metrics.BytesWritten.WithLabelValues(kind).Add(float64(n))
	res.Files = append(res.Files, interfaces.FileResult{Name: name, Path: path, Bytes: n})

	if e.recorder == nil {
		return nil
	}
	sum, err := digestFile(path)
	if err != nil {
		return fmt.Errorf("digest %s: %w", path, err)
	}
	rec := interfaces.ExportRecord{
		RunID:        runID,
		Parcellation: res.Key,
		Version:      res.Version,
		File:         name,
		Bytes:        n,
		SHA256:       sum,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.recorder.RecordExport(ctx, rec); err != nil {
		return fmt.Errorf("record %s: %w", path, err)
	}
	return nil
}

// logQuality logs a verification report, as a warning when it has findings.
func logQuality(log *slog.Logger, q *interfaces.ExportQualityReport) {
	if q.Clean() {
		log.Info("Export verified", "labels", q.Labels, "statistical_volumes", q.StatisticalVolumes)
		return
	}
	metrics.QualityFindings.Inc()
	log.Warn("Export verified with findings",
		"labels", q.Labels,
		"statistical_volumes", q.StatisticalVolumes,
		"duplicate_labels", q.DuplicateLabels,
		"empty_region_names", q.EmptyRegionNames,
		"labels_missing_in_map", q.LabelsMissingInMap,
		"missing_labels", q.MissingLabels,
		"unknown_label_voxels", q.UnknownLabelVoxels,
		"unknown_labels", q.UnknownLabels,
		"empty_volumes", q.EmptyVolumes,
		"out_of_range_values", q.OutOfRangeValues,
	)
}

// compareWithLedger fills PriorRuns and ChangedFiles from the ledger, when
// the recorder can list history. Ledger rows of one run are contiguous, so
// the last run before runID is the previous export of the version. A
// ledger read failure is logged and does not fail the export.
func (e *Exporter) compareWithLedger(ctx context.Context, log *slog.Logger, runID string, res *interfaces.ParcellationResult) {
	history, ok := e.recorder.(interfaces.ExportHistory)
	if !ok {
		return
	}
	records, err := history.ListExports(ctx, res.Version)
	if err != nil {
		log.Warn("Failed to read export ledger", "error", err)
		return
	}

	current := make(map[string]string)
	var previous map[string]string
	runs := make(map[string]bool)
	lastRun := ""
	for _, rec := range records {
		if rec.RunID == runID {
			current[rec.File] = rec.SHA256
			continue
		}
		if rec.RunID != lastRun {
			lastRun = rec.RunID
			previous = make(map[string]string)
		}
		runs[rec.RunID] = true
		previous[rec.File] = rec.SHA256
	}

	res.PriorRuns = len(runs)
	for file, sum := range current {
		if prev, ok := previous[file]; ok && prev != sum {
			res.ChangedFiles = append(res.ChangedFiles, file)
		}
	}
	sort.Strings(res.ChangedFiles)
}
