package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Encode writes img as an uncompressed single-file NIfTI-1 stream.
func Encode(w io.Writer, img *Image) error {
	if err := img.check(); err != nil {
		return err
	}

	h := headerFor(img)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	// empty extension block between header and vox_offset
	if _, err := w.Write(make([]byte, voxOffset-headerSize)); err != nil {
		return fmt.Errorf("write extension: %w", err)
	}
	if _, err := w.Write(img.Data); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return nil
}

// EncodeGzip writes img as a gzip-compressed NIfTI-1 stream. The gzip header
// carries no file name and a zero modification time, so identical images
// always produce identical bytes.
func EncodeGzip(w io.Writer, img *Image) error {
	zw, err := gzip.NewWriterLevel(w, gzip.DefaultCompression)
	if err != nil {
		return err
	}
	if err := Encode(zw, img); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// WriteFile saves img to path, gzip-compressed when path ends in ".gz".
// It returns the number of bytes written to disk.
func WriteFile(path string, img *Image) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	cw := &countingWriter{w: f}
	bw := bufio.NewWriterSize(cw, 1<<20)
	if strings.HasSuffix(path, ".gz") {
		err = EncodeGzip(bw, img)
	} else {
		err = Encode(bw, img)
	}
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return cw.n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return cw.n, nil
}

// MaxDataBytes bounds the voxel data Decode accepts.
var MaxDataBytes int64 = 16 << 30

// Decode reads a single-file NIfTI-1 image, gzip-compressed or not, in
// either byte order. Voxel data is converted to little-endian; scaling is
// recorded but not applied.
func Decode(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	src := io.Reader(br)

	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrInvalidHeader, headerSize)
		}
		order = binary.BigEndian
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, src, skip); err != nil {
			return nil, fmt.Errorf("skip extensions: %w", err)
		}
	}

	dims := h.dims()
	dt := Datatype(h.Datatype)
	want := int64(dt.Size())
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("%w: non-positive dimension %v", ErrInvalidHeader, dims)
		}
		if want > MaxDataBytes/int64(d) {
			return nil, fmt.Errorf("%w: dimensions %v exceed %d bytes of voxel data", ErrInvalidHeader, dims, MaxDataBytes)
		}
		want *= int64(d)
	}

	// the buffer grows with the bytes actually present, not the header's claim
	data, err := io.ReadAll(io.LimitReader(src, want))
	if err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: %d bytes of voxel data, header declares %d", ErrInvalidHeader, len(data), want)
	}
	if order == binary.BigEndian {
		swapBytes(data, dt.Size())
	}

	affine, code := h.affine()
	img := &Image{
		Dim:         dims,
		PixDim:      make([]float64, len(dims)),
		Affine:      affine,
		Datatype:    dt,
		Data:        data,
		XformCode:   code,
		Description: cString(h.Descrip[:]),
	}
	for i := range dims {
		img.PixDim[i] = float64(h.Pixdim[i+1])
	}
	if h.SclSlope != 0 && !isNaN32(h.SclSlope) {
		img.Slope = float64(h.SclSlope)
		img.Intercept = float64(h.SclInter)
	}
	return img, nil
}

// ReadFile decodes the image stored at path.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func (img *Image) check() error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidHeader)
	}
	if img.Datatype.Size() == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, img.Datatype)
	}
	if len(img.Dim) < 3 || len(img.Dim) > 4 {
		return fmt.Errorf("%w: %d dimensions", ErrInvalidHeader, len(img.Dim))
	}
	if img.Affine == nil {
		return fmt.Errorf("%w: missing affine", ErrInvalidHeader)
	}
	if want := img.Voxels() * img.Datatype.Size(); len(img.Data) != want {
		return fmt.Errorf("%w: %d data bytes, want %d", ErrInvalidHeader, len(img.Data), want)
	}
	return nil
}

func swapBytes(data []byte, size int) {
	if size < 2 {
		return
	}
	for off := 0; off+size <= len(data); off += size {
		for i, j := off, off+size-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	}
}

func isNaN32(f float32) bool {
	return math.IsNaN(float64(f))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
