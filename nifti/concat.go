package nifti

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Concat stacks images along a new fourth axis, keeping their order. 4-D
// inputs contribute all of their volumes. Every input must share the first
// image's spatial shape and affine.
//
// When all inputs share datatype and scaling the voxel bytes are copied
// verbatim; otherwise every voxel is rescaled into a float32 image.
func Concat(imgs ...*Image) (*Image, error) {
	if len(imgs) == 0 {
		return nil, ErrNoImages
	}

	first := imgs[0]
	total := 0
	uniform := true
	for i, img := range imgs {
		if err := img.check(); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if !SameGrid(first, img) {
			return nil, fmt.Errorf("%w: image %d has shape %v, want %v",
				ErrShapeMismatch, i, img.SpatialShape(), first.SpatialShape())
		}
		if img.Datatype != first.Datatype || img.Slope != first.Slope || img.Intercept != first.Intercept {
			uniform = false
		}
		total += img.Volumes()
	}

	shape := first.SpatialShape()
	dt := first.Datatype
	if !uniform {
		dt = Float32
	}

	out, err := New([]int{shape[0], shape[1], shape[2], total}, dt, mat.DenseCopyOf(first.Affine))
	if err != nil {
		return nil, err
	}
	copy(out.PixDim, first.PixDim[:3])
	out.XformCode = first.XformCode
	out.Description = first.Description

	if uniform {
		out.Slope, out.Intercept = first.Slope, first.Intercept
		off := 0
		for _, img := range imgs {
			off += copy(out.Data[off:], img.Data)
		}
		return out, nil
	}

	idx := 0
	for _, img := range imgs {
		n := img.Voxels()
		for i := 0; i < n; i++ {
			out.SetValue(idx, img.ScaledValue(i))
			idx++
		}
	}
	return out, nil
}
