package atlas

import (
	"context"
	"errors"
	"fmt"

	"github.com/julichbrain/atlas-export/nifti"
)

// CompressOutcome says which variant of a labelled map the exporter got back.
type CompressOutcome int

const (
	Uncompressed CompressOutcome = iota
	Compressed
)

func (o CompressOutcome) String() string {
	if o == Compressed {
		return "compressed"
	}
	return "uncompressed"
}

// CompressResult is the outcome of TryCompress. Reason is set only for the
// Uncompressed variant and explains why the original map was kept.
type CompressResult struct {
	Outcome CompressOutcome
	Map     *LabelledMap
	Reason  error
}

// TryCompress compresses m, falling back to m itself when the map cannot be
// compressed. Errors that are not ErrCompress (failed fetches, cancelled
// contexts) are returned as-is.
func TryCompress(ctx context.Context, m *LabelledMap) (CompressResult, error) {
	c, err := Compress(ctx, m)
	switch {
	case err == nil:
		return CompressResult{Outcome: Compressed, Map: c}, nil
	case errors.Is(err, ErrCompress):
		return CompressResult{Outcome: Uncompressed, Map: m, Reason: err}, nil
	default:
		return CompressResult{}, err
	}
}

// Compress merges every volume of m into one labelled volume and relabels
// regions 1..N in first-seen order. A map made of a single unfragmented
// volume is already compressed and is returned unchanged.
func Compress(ctx context.Context, m *LabelledMap) (*LabelledMap, error) {
	if len(m.Volumes) == 0 {
		return nil, fmt.Errorf("%w: %s has no volumes", ErrCompress, m.Parcellation)
	}
	if len(m.Volumes) == 1 && !m.fragmented() {
		return m, nil
	}

	imgs := make([]*nifti.Image, len(m.Volumes))
	for i, v := range m.Volumes {
		img, err := v.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		if img == nil {
			return nil, fmt.Errorf("%w: volume %d of %s is not available", ErrCompress, i, m.Parcellation)
		}
		if img.Volumes() != 1 {
			return nil, fmt.Errorf("%w: volume %d of %s is 4-D", ErrCompress, i, m.Parcellation)
		}
		if i > 0 && !nifti.SameGrid(imgs[0], img) {
			return nil, fmt.Errorf("%w: volume %d of %s is on a different grid", ErrCompress, i, m.Parcellation)
		}
		imgs[i] = img
	}

	regions := m.Regions()
	relabel := make(map[string]int, len(regions))
	for i, r := range regions {
		relabel[r] = i + 1
	}

	// per volume: original label -> new label
	luts := make([]map[int]int, len(imgs))
	for i := range luts {
		luts[i] = make(map[int]int)
	}
	for _, idx := range m.Indices {
		if idx.Volume < 0 || idx.Volume >= len(imgs) {
			return nil, fmt.Errorf("%w: region %q points at volume %d of %d", ErrCompress, idx.Region, idx.Volume, len(imgs))
		}
		if _, taken := luts[idx.Volume][idx.Label]; !taken {
			luts[idx.Volume][idx.Label] = relabel[idx.Region]
		}
	}

	shape := imgs[0].SpatialShape()
	out, err := nifti.New(shape[:], labelDatatype(len(regions)), imgs[0].Affine)
	if err != nil {
		return nil, err
	}
	out.PixDim = append([]float64(nil), imgs[0].PixDim[:3]...)
	out.XformCode = imgs[0].XformCode

	n := out.Voxels()
	claimed := make([]bool, n)
	for vi, img := range imgs {
		lut := luts[vi]
		for v := 0; v < n; v++ {
			if claimed[v] {
				continue
			}
			raw := int(img.Value(v))
			if raw == 0 {
				continue
			}
			if label, ok := lut[raw]; ok {
				out.SetValue(v, float64(label))
				claimed[v] = true
			}
		}
	}

	indices := make([]MapIndex, len(regions))
	for i, r := range regions {
		indices[i] = MapIndex{Region: r, Volume: 0, Label: i + 1}
	}

	return &LabelledMap{
		Parcellation: m.Parcellation,
		Space:        m.Space,
		Indices:      indices,
		Volumes:      []Volume{StaticVolume{Image: out}},
	}, nil
}

func (m *LabelledMap) fragmented() bool {
	for _, idx := range m.Indices {
		if idx.Fragment != "" {
			return true
		}
	}
	return false
}

func labelDatatype(n int) nifti.Datatype {
	switch {
	case n <= 0xff:
		return nifti.Uint8
	case n <= 0xffff:
		return nifti.Uint16
	default:
		return nifti.Int32
	}
}
