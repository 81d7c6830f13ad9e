package nifti

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	headerSize = 348
	voxOffset  = 352

	unitsMM  = 2
	unitsSec = 8
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// header is the on-disk NIfTI-1 header. Field order and sizes match
// nifti1.h exactly; encoding/binary writes it without padding.
type header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XYZTUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

func headerFor(img *Image) header {
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(img.Datatype),
		Bitpix:    int16(img.Datatype.Size() * 8),
		VoxOffset: voxOffset,
		SclSlope:  float32(img.Slope),
		SclInter:  float32(img.Intercept),
		XYZTUnits: unitsMM,
		SformCode: img.XformCode,
		Magic:     magicSingle,
	}
	if h.SformCode == 0 {
		h.SformCode = 1
	}

	h.Dim[0] = int16(len(img.Dim))
	h.Pixdim[0] = 1
	for i, d := range img.Dim {
		h.Dim[i+1] = int16(d)
		if i < len(img.PixDim) {
			h.Pixdim[i+1] = float32(img.PixDim[i])
		}
	}
	for i := len(img.Dim) + 1; i < len(h.Dim); i++ {
		h.Dim[i] = 1
	}
	if len(img.Dim) == 4 {
		h.XYZTUnits = unitsMM | unitsSec
	}

	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(img.Affine.At(0, j))
		h.SrowY[j] = float32(img.Affine.At(1, j))
		h.SrowZ[j] = float32(img.Affine.At(2, j))
	}
	copy(h.Descrip[:len(h.Descrip)-1], img.Description)
	return h
}

func (h *header) validate() error {
	if h.Magic != magicSingle {
		return fmt.Errorf("%w: magic %q is not a single-file NIfTI-1 image", ErrInvalidHeader, h.Magic[:3])
	}
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return fmt.Errorf("%w: dim[0]=%d", ErrInvalidHeader, h.Dim[0])
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return fmt.Errorf("%w: more than 4 dimensions", ErrInvalidHeader)
		}
	}
	if Datatype(h.Datatype).Size() == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, h.Datatype)
	}
	if h.VoxOffset < headerSize {
		return fmt.Errorf("%w: vox_offset %v", ErrInvalidHeader, h.VoxOffset)
	}
	return nil
}

func (h *header) dims() []int {
	n := int(h.Dim[0])
	if n > 4 {
		n = 4
	}
	dims := make([]int, n)
	for i := range dims {
		dims[i] = int(h.Dim[i+1])
	}
	return dims
}

// affine prefers the sform, then the qform, then plain voxel scaling.
func (h *header) affine() (*mat.Dense, int16) {
	if h.SformCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		}), h.SformCode
	}
	if h.QformCode > 0 {
		return h.qformAffine(), h.QformCode
	}
	return mat.NewDense(4, 4, []float64{
		float64(h.Pixdim[1]), 0, 0, 0,
		0, float64(h.Pixdim[2]), 0, 0,
		0, 0, float64(h.Pixdim[3]), 0,
		0, 0, 0, 1,
	}), 0
}

func (h *header) qformAffine() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := float64(h.Pixdim[1]), float64(h.Pixdim[2]), qfac*float64(h.Pixdim[3])

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
