package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/julichbrain/atlas-export/atlas"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/metrics"
	"github.com/julichbrain/atlas-export/nifti"
)

// exportLabelled writes labelled.nii.gz and labels.csv. A map that cannot
// be compressed is saved as it is.
func (e *Exporter) exportLabelled(ctx context.Context, log *slog.Logger, runID string, res *interfaces.ParcellationResult) error {
	m, err := e.source.LabelledMap(ctx, res.Key, e.opts.CoordinateSpace)
	if err != nil {
		return fmt.Errorf("labelled map: %w", err)
	}

	cr, err := atlas.TryCompress(ctx, m)
	if err != nil {
		return fmt.Errorf("compress labelled map: %w", err)
	}
	res.Compression = cr.Outcome
	if cr.Outcome == atlas.Uncompressed {
		metrics.CompressFallbacks.Inc()
		log.Warn("Labelled map kept uncompressed", "reason", cr.Reason)
	}

	img, err := cr.Map.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch labelled map: %w", err)
	}

	if err := EnsureDir(res.Dir); err != nil {
		return err
	}

	path := filepath.Join(res.Dir, LabelledFile)
	n, err := nifti.WriteFile(path, img)
	if err != nil {
		return err
	}
	if err := e.written(ctx, runID, res, "labelled", LabelledFile, path, n); err != nil {
		return err
	}

	labels, regions, err := cr.Map.LabelTable()
	if err != nil {
		return err
	}
	path = filepath.Join(res.Dir, LabelsFile)
	n, err = WriteLabelsCSV(path, labels, regions)
	if err != nil {
		return err
	}
	res.Labels = len(labels)
	return e.written(ctx, runID, res, "labels", LabelsFile, path, n)
}
