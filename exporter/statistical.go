package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/metrics"
	"github.com/julichbrain/atlas-export/nifti"
)

// exportStatistical stacks the available probability volumes, in map order,
// into statistical.nii.gz.
func (e *Exporter) exportStatistical(ctx context.Context, log *slog.Logger, runID string, res *interfaces.ParcellationResult) error {
	m, err := e.source.StatisticalMap(ctx, res.Key, e.opts.CoordinateSpace)
	if err != nil {
		return fmt.Errorf("statistical map: %w", err)
	}

	imgs := make([]*nifti.Image, 0, len(m.Volumes))
	for i, v := range m.Volumes {
		img, err := v.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("statistical volume %d: %w", i, err)
		}
		if img == nil {
			res.DroppedVolumes++
			metrics.StatisticalVolumesDropped.Inc()
			log.Debug("Statistical volume absent, skipping", "index", i, "region", regionAt(m.Regions, i))
			continue
		}
		imgs = append(imgs, img)
	}
	if len(imgs) == 0 {
		return fmt.Errorf("%w: %d of %d absent", ErrNoStatisticalVolumes, res.DroppedVolumes, len(m.Volumes))
	}
	if res.DroppedVolumes > 0 {
		log.Warn("Statistical volumes dropped", "dropped", res.DroppedVolumes, "total", len(m.Volumes))
	}

	stacked, err := nifti.Concat(imgs...)
	if err != nil {
		return fmt.Errorf("stack statistical volumes: %w", err)
	}
	res.StatisticalVolumes = stacked.Volumes()

	if err := EnsureDir(res.Dir); err != nil {
		return err
	}
	path := filepath.Join(res.Dir, StatisticalFile)
	n, err := nifti.WriteFile(path, stacked)
	if err != nil {
		return err
	}
	return e.written(ctx, runID, res, "statistical", StatisticalFile, path, n)
}

func regionAt(regions []string, i int) string {
	if i < len(regions) {
		return regions[i]
	}
	return ""
}
