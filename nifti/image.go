// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz)
// and provides the small set of volume operations the exporter needs:
// voxel access, stacking 3-D volumes into a 4-D image and header round trips.
package nifti

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrUnsupportedDatatype = errors.New("nifti: unsupported datatype")
	ErrShapeMismatch       = errors.New("nifti: images do not share shape, datatype or affine")
	ErrNoImages            = errors.New("nifti: no images to concatenate")
	ErrInvalidHeader       = errors.New("nifti: invalid header")
)

// Datatype is the NIfTI-1 datatype code stored in the header.
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Int8    Datatype = 256
	Uint16  Datatype = 512
	Uint32  Datatype = 768
)

// Size returns the number of bytes per voxel, or 0 for unsupported codes.
func (d Datatype) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("datatype(%d)", int16(d))
	}
}

// Image is an in-memory NIfTI volume. Data always holds little-endian voxels
// in NIfTI (x fastest) order.
type Image struct {
	Dim      []int     // 3 or 4 entries
	PixDim   []float64 // same length as Dim
	Affine   *mat.Dense
	Datatype Datatype
	Data     []byte

	// Slope and Intercept mirror scl_slope/scl_inter. A zero slope means the
	// stored values are used as-is.
	Slope     float64
	Intercept float64

	XformCode   int16
	Description string
}

// New allocates a zero-filled image. Voxel sizes are taken from the affine
// column norms; a nil affine means identity.
func New(dim []int, dt Datatype, affine *mat.Dense) (*Image, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, dt)
	}
	if len(dim) < 3 || len(dim) > 4 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidHeader, len(dim))
	}
	n := 1
	for _, d := range dim {
		if d <= 0 {
			return nil, fmt.Errorf("%w: non-positive dimension %v", ErrInvalidHeader, dim)
		}
		n *= d
	}
	if affine == nil {
		affine = Identity()
	}

	img := &Image{
		Dim:       append([]int(nil), dim...),
		PixDim:    make([]float64, len(dim)),
		Affine:    mat.DenseCopyOf(affine),
		Datatype:  dt,
		Data:      make([]byte, n*dt.Size()),
		XformCode: 1,
	}
	for i := 0; i < 3; i++ {
		img.PixDim[i] = columnNorm(affine, i)
	}
	if len(dim) == 4 {
		img.PixDim[3] = 1
	}
	return img, nil
}

// Identity returns a 4x4 identity affine.
func Identity() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func columnNorm(m mat.Matrix, j int) float64 {
	var sum float64
	for i := 0; i < 3; i++ {
		v := m.At(i, j)
		sum += v * v
	}
	return math.Sqrt(sum)
}

// Voxels returns the total number of voxels across all volumes.
func (img *Image) Voxels() int {
	n := 1
	for _, d := range img.Dim {
		n *= d
	}
	return n
}

// SpatialShape returns the first three dimensions.
func (img *Image) SpatialShape() [3]int {
	return [3]int{img.Dim[0], img.Dim[1], img.Dim[2]}
}

// Volumes returns the length of the fourth axis, 1 for 3-D images.
func (img *Image) Volumes() int {
	if len(img.Dim) < 4 {
		return 1
	}
	return img.Dim[3]
}

// Value returns the stored (unscaled) value of voxel i.
func (img *Image) Value(i int) float64 {
	size := img.Datatype.Size()
	b := img.Data[i*size : (i+1)*size]
	le := binary.LittleEndian

	switch img.Datatype {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(le.Uint16(b)))
	case Uint16:
		return float64(le.Uint16(b))
	case Int32:
		return float64(int32(le.Uint32(b)))
	case Uint32:
		return float64(le.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case Float64:
		return math.Float64frombits(le.Uint64(b))
	}
	return 0
}

// ScaledValue applies scl_slope and scl_inter to voxel i.
func (img *Image) ScaledValue(i int) float64 {
	v := img.Value(i)
	if img.Slope == 0 {
		return v
	}
	return v*img.Slope + img.Intercept
}

// SetValue stores v at voxel i. Integer datatypes round to nearest.
func (img *Image) SetValue(i int, v float64) {
	size := img.Datatype.Size()
	b := img.Data[i*size : (i+1)*size]
	le := binary.LittleEndian

	switch img.Datatype {
	case Uint8:
		b[0] = uint8(math.Round(v))
	case Int8:
		b[0] = byte(int8(math.Round(v)))
	case Int16:
		le.PutUint16(b, uint16(int16(math.Round(v))))
	case Uint16:
		le.PutUint16(b, uint16(math.Round(v)))
	case Int32:
		le.PutUint32(b, uint32(int32(math.Round(v))))
	case Uint32:
		le.PutUint32(b, uint32(math.Round(v)))
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

// Volume returns a copy of volume t of a 4-D image as a 3-D image.
func (img *Image) Volume(t int) (*Image, error) {
	if t < 0 || t >= img.Volumes() {
		return nil, fmt.Errorf("nifti: volume %d out of range [0,%d)", t, img.Volumes())
	}
	shape := img.SpatialShape()
	out, err := New(shape[:], img.Datatype, img.Affine)
	if err != nil {
		return nil, err
	}
	out.PixDim = append([]float64(nil), img.PixDim[:3]...)
	out.Slope, out.Intercept = img.Slope, img.Intercept
	out.XformCode = img.XformCode
	out.Description = img.Description

	stride := len(out.Data)
	copy(out.Data, img.Data[t*stride:(t+1)*stride])
	return out, nil
}

// SameGrid reports whether two images share spatial shape and affine.
func SameGrid(a, b *Image) bool {
	if a.SpatialShape() != b.SpatialShape() {
		return false
	}
	return mat.EqualApprox(a.Affine, b.Affine, 1e-5)
}
