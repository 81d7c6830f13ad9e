// Package validation reads exported parcellation directories back from
// disk and checks that the three files agree with each other.
package validation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/julichbrain/atlas-export/exporter"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/nifti"
)

// maxListed caps the offender lists of a report
const maxListed = 10

// ErrInvalidExport marks structurally broken output.
var ErrInvalidExport = errors.New("invalid export")

// ExportValidatorImpl implements the interfaces.ExportValidator interface
type ExportValidatorImpl struct{}

// NewExportValidator creates a new export validator
func NewExportValidator() interfaces.ExportValidator {
	return &ExportValidatorImpl{}
}

// ValidateExport checks the files of one version directory.
//
// Structural problems fail with ErrInvalidExport: a missing or unreadable
// file, a labelled map that is not 3-D, a bad labels.csv header or label,
// or a statistical map on a different grid. Everything else ends up in the
// report.
func (v *ExportValidatorImpl) ValidateExport(dir string) (*interfaces.ExportQualityReport, error) {
	labelled, err := nifti.ReadFile(filepath.Join(dir, exporter.LabelledFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if labelled.Volumes() != 1 {
		return nil, fmt.Errorf("%w: labelled map has %d volumes", ErrInvalidExport, labelled.Volumes())
	}

	labels, regions, err := readLabels(filepath.Join(dir, exporter.LabelsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}

	statistical, err := nifti.ReadFile(filepath.Join(dir, exporter.StatisticalFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if !nifti.SameGrid(labelled, statistical) {
		return nil, fmt.Errorf("%w: statistical map is not on the labelled grid", ErrInvalidExport)
	}

	report := &interfaces.ExportQualityReport{
		Dir:                dir,
		Labels:             len(labels),
		DuplicateLabels:    []int{},
		MissingLabels:      []int{},
		UnknownLabels:      []int{},
		StatisticalVolumes: statistical.Volumes(),
	}

	// Check 1: duplicate labels and unnamed regions
	known := make(map[int]bool, len(labels))
	for i, label := range labels {
		if known[label] && len(report.DuplicateLabels) < maxListed {
			report.DuplicateLabels = append(report.DuplicateLabels, label)
		}
		known[label] = true
		if strings.TrimSpace(regions[i]) == "" {
			report.EmptyRegionNames++
		}
	}

	// Check 2: voxels whose label has no row, background excluded
	seen := make(map[int]bool, len(labels))
	unknown := make(map[int]bool)
	for i := 0; i < labelled.Voxels(); i++ {
		label := int(math.Round(labelled.ScaledValue(i)))
		if label == 0 {
			continue
		}
		seen[label] = true
		if !known[label] {
			report.UnknownLabelVoxels++
			if !unknown[label] && len(report.UnknownLabels) < maxListed {
				report.UnknownLabels = append(report.UnknownLabels, label)
			}
			unknown[label] = true
		}
	}

	// Check 3: rows whose label never occurs in the map
	for _, label := range labels {
		if !seen[label] {
			report.LabelsMissingInMap++
			if len(report.MissingLabels) < maxListed {
				report.MissingLabels = append(report.MissingLabels, label)
			}
		}
	}

	// Check 4: probabilities outside [0, 1] and volumes with no signal
	for t := 0; t < statistical.Volumes(); t++ {
		vol, err := statistical.Volume(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
		empty := true
		for i := 0; i < vol.Voxels(); i++ {
			p := vol.ScaledValue(i)
			if math.IsNaN(p) || p < 0 || p > 1 {
				report.OutOfRangeValues++
			}
			if p != 0 {
				empty = false
			}
		}
		if empty {
			report.EmptyVolumes++
		}
	}

	return report, nil
}

// readLabels parses a labels.csv written by the exporter.
func readLabels(path string) ([]int, []string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	if header[0] != "label" || header[1] != "region" {
		return nil, nil, fmt.Errorf("%s: unexpected header %q", path, header)
	}

	var labels []int
	var regions []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		label, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: label %q is not an integer", path, row[0])
		}
		labels = append(labels, label)
		regions = append(regions, row[1])
	}
	return labels, regions, nil
}
