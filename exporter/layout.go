package exporter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Files written into every version directory.
const (
	LabelledFile    = "labelled.nii.gz"
	LabelsFile      = "labels.csv"
	StatisticalFile = "statistical.nii.gz"
)

// EnsureDir creates path and its parents if they do not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// VersionDir is the output directory of one parcellation version.
func VersionDir(root, version string) string {
	return filepath.Join(root, version)
}

// digestFile returns the hex sha256 of the file at path.
func digestFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
