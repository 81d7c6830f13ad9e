// Package atlas holds the in-memory model of an atlas as served by the atlas
// service: parcellation keys, labelled and statistical maps, and the volumes
// those maps are made of. It also provides the pure operations on that model
// (parcellation selection, version extraction, map compression).
package atlas

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/julichbrain/atlas-export/nifti"
)

var (
	// ErrNoVersionToken is returned when a parcellation key carries no
	// trailing version such as "V3_0_3".
	ErrNoVersionToken = errors.New("parcellation key has no version token")

	// ErrCompress marks a labelled map that cannot be merged into a single
	// volume.
	ErrCompress = errors.New("labelled map cannot be compressed")
)

// MalformedMapError reports a labelled map whose label and region sequences
// are not parallel.
type MalformedMapError struct {
	Parcellation string
	Labels       int
	Regions      int
}

func (e *MalformedMapError) Error() string {
	return fmt.Sprintf("malformed map for %s: %d labels but %d regions", e.Parcellation, e.Labels, e.Regions)
}

// Atlas is a named collection of parcellations.
type Atlas struct {
	ID            string
	Name          string
	Parcellations []string // keys, in service order
}

// Volume is one fetchable image of a map. Fetch returns nil, nil when the
// service cannot provide the image.
type Volume interface {
	Fetch(ctx context.Context) (*nifti.Image, error)
}

// MapIndex ties a region to a label inside one of the map's volumes.
type MapIndex struct {
	Region   string
	Volume   int
	Label    int
	Fragment string
}

// LabelledMap is a discrete region-label map in one coordinate space.
type LabelledMap struct {
	Parcellation string
	Space        string
	Indices      []MapIndex
	Volumes      []Volume
}

// Labels returns the distinct labels in first-seen order.
func (m *LabelledMap) Labels() []int {
	seen := make(map[int]bool, len(m.Indices))
	labels := make([]int, 0, len(m.Indices))
	for _, idx := range m.Indices {
		if seen[idx.Label] {
			continue
		}
		seen[idx.Label] = true
		labels = append(labels, idx.Label)
	}
	return labels
}

// Regions returns the distinct region names in first-seen order.
func (m *LabelledMap) Regions() []string {
	seen := make(map[string]bool, len(m.Indices))
	regions := make([]string, 0, len(m.Indices))
	for _, idx := range m.Indices {
		if seen[idx.Region] {
			continue
		}
		seen[idx.Region] = true
		regions = append(regions, idx.Region)
	}
	return regions
}

// LabelTable returns the parallel label and region sequences, or a
// *MalformedMapError when their lengths differ.
func (m *LabelledMap) LabelTable() ([]int, []string, error) {
	labels, regions := m.Labels(), m.Regions()
	if len(labels) != len(regions) {
		return nil, nil, &MalformedMapError{
			Parcellation: m.Parcellation,
			Labels:       len(labels),
			Regions:      len(regions),
		}
	}
	return labels, regions, nil
}

// Fetch materializes the map: the first volume of the map.
func (m *LabelledMap) Fetch(ctx context.Context) (*nifti.Image, error) {
	if len(m.Volumes) == 0 {
		return nil, fmt.Errorf("labelled map for %s has no volumes", m.Parcellation)
	}
	img, err := m.Volumes[0].Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("labelled map for %s: volume 0 is not available", m.Parcellation)
	}
	return img, nil
}

// StatisticalMap is a set of per-region probability volumes.
type StatisticalMap struct {
	Parcellation string
	Space        string
	Regions      []string // parallel to Volumes when known
	Volumes      []Volume
}

// StaticVolume is a Volume backed by an image already in memory.
type StaticVolume struct {
	Image *nifti.Image
}

func (v StaticVolume) Fetch(context.Context) (*nifti.Image, error) {
	return v.Image, nil
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// Key derives the lookup key of a parcellation from its display name, e.g.
// "Julich-Brain Cytoarchitectonic Atlas (v3.0.3)" becomes
// "JULICH_BRAIN_CYTOARCHITECTONIC_ATLAS_V3_0_3".
func Key(name string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(name), "_"), "_")
}

var versionPattern = regexp.MustCompile(`V[\d_]+\d+$`)

// VersionToken extracts the trailing version of a parcellation key
// ("JULICH_BRAIN_V30" -> "V30").
func VersionToken(key string) (string, error) {
	v := versionPattern.FindString(key)
	if v == "" {
		return "", fmt.Errorf("%w: %q", ErrNoVersionToken, key)
	}
	return v, nil
}

// SelectParcellations returns the atlas' parcellation keys that start with
// prefix, in the order the atlas lists them.
func SelectParcellations(a *Atlas, prefix string) []string {
	if a == nil {
		return nil
	}
	var keys []string
	for _, key := range a.Parcellations {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}
