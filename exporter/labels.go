package exporter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// WriteLabelsCSV writes the label table: a "label,region" header and one
// row per label, region names NFC-normalised. It returns the bytes written.
func WriteLabelsCSV(path string, labels []int, regions []string) (int64, error) {
	if len(labels) != len(regions) {
		return 0, fmt.Errorf("label table has %d labels but %d regions", len(labels), len(regions))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"label", "region"}); err != nil {
		return 0, err
	}
	for i, label := range labels {
		if err := w.Write([]string{strconv.Itoa(label), norm.NFC.String(regions[i])}); err != nil {
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", path, err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return int64(buf.Len()), nil
}
