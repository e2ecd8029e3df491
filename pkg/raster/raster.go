// Package raster holds the two-dimensional 8-bit images exchanged with the
// detector and their wire encodings.
//
// Images never describe their own size when fetched from the detector, so the
// caller always supplies rows and columns to DecodeForFetch. Loads are length
// prefixed with the same two dimensions.
package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/OkayMusic/RRec/internal/wire"
	"github.com/corona10/goimagehash"
	"github.com/pkg/errors"
)

// HeaderSize is the length of the [rows][cols] prefix of a load payload.
const HeaderSize = 2 * wire.Size

var (
	ErrSizeMismatch = errors.New("pixel count does not match dimensions")
	ErrDimensions   = errors.New("invalid dimensions")
	ErrRagged       = errors.New("rows have different lengths")
)

// Image is a row-major grid of unsigned 8-bit pixels.
type Image struct {
	Rows, Cols int
	Pix        []uint8
}

func New(rows, cols int) *Image {
	return &Image{Rows: rows, Cols: cols, Pix: make([]uint8, rows*cols)}
}

// FromRows copies a slice of rows into an Image.
func FromRows(rows [][]uint8) (*Image, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.Wrap(ErrDimensions, "empty image")
	}
	m := New(len(rows), len(rows[0]))
	for r, row := range rows {
		if len(row) != m.Cols {
			return nil, errors.Wrapf(ErrRagged, "row %d has %d columns, want %d", r, len(row), m.Cols)
		}
		copy(m.Pix[r*m.Cols:], row)
	}
	return m, nil
}

// Matrix returns the pixels as a slice of rows. The rows alias m.Pix.
func (m *Image) Matrix() [][]uint8 {
	out := make([][]uint8, m.Rows)
	for r := range out {
		out[r] = m.Pix[r*m.Cols : (r+1)*m.Cols : (r+1)*m.Cols]
	}
	return out
}

func (m *Image) At(row, col int) uint8     { return m.Pix[row*m.Cols+col] }
func (m *Image) Set(row, col int, v uint8) { m.Pix[row*m.Cols+col] = v }

// Validate checks that the image can be put on the wire.
func (m *Image) Validate() error {
	if m == nil {
		return errors.Wrap(ErrDimensions, "nil image")
	}
	if err := CheckDims(m.Rows, m.Cols); err != nil {
		return err
	}
	if len(m.Pix) != m.Rows*m.Cols {
		return errors.Wrapf(ErrSizeMismatch, "%dx%d image has %d pixels", m.Rows, m.Cols, len(m.Pix))
	}
	return nil
}

// MaxPixels caps rows*cols so a fetch can always be buffered in one slice.
const MaxPixels = math.MaxInt32

// CheckDims reports whether rows x cols is a usable image size.
func CheckDims(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return errors.Wrapf(ErrDimensions, "%dx%d", rows, cols)
	}
	if rows > MaxPixels/cols {
		return errors.Wrapf(ErrDimensions, "%dx%d exceeds %d pixels", rows, cols, MaxPixels)
	}
	return nil
}

// EncodeForLoad produces [rows:4][cols:4][row-major pixels].
func EncodeForLoad(m *Image) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(m.Pix))
	out = append(out, wire.PutInt32(int32(m.Rows))...)
	out = append(out, wire.PutInt32(int32(m.Cols))...)
	out = append(out, m.Pix...)
	return out, nil
}

// DecodeHeader reads the dimension prefix written by EncodeForLoad.
func DecodeHeader(b []byte) (rows, cols int, err error) {
	if len(b) != HeaderSize {
		return 0, 0, errors.Wrapf(wire.ErrShortFrame, "header is %d bytes", len(b))
	}
	r, _ := wire.Int32(b[:wire.Size])
	c, _ := wire.Int32(b[wire.Size:])
	if err := CheckDims(int(r), int(c)); err != nil {
		return 0, 0, err
	}
	return int(r), int(c), nil
}

// DecodeForFetch reinterprets exactly rows*cols bytes as a row-major image.
// The returned image owns a copy of b.
func DecodeForFetch(b []byte, rows, cols int) (*Image, error) {
	if err := CheckDims(rows, cols); err != nil {
		return nil, err
	}
	if len(b) != rows*cols {
		return nil, errors.Wrapf(ErrSizeMismatch, "got %d bytes for %dx%d", len(b), rows, cols)
	}
	m := New(rows, cols)
	copy(m.Pix, b)
	return m, nil
}

// Gray wraps the image as an *image.Gray sharing its pixels.
func (m *Image) Gray() *image.Gray {
	return &image.Gray{
		Pix:    m.Pix,
		Stride: m.Cols,
		Rect:   image.Rect(0, 0, m.Cols, m.Rows),
	}
}

// FromImage converts any image to 8-bit gray.
func FromImage(img image.Image) *Image {
	b := img.Bounds()
	m := New(b.Dy(), b.Dx())
	if g, ok := img.(*image.Gray); ok {
		for r := 0; r < m.Rows; r++ {
			start := g.PixOffset(b.Min.X, b.Min.Y+r)
			copy(m.Pix[r*m.Cols:(r+1)*m.Cols], g.Pix[start:start+m.Cols])
		}
		return m
	}
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			px := color.GrayModel.Convert(img.At(b.Min.X+c, b.Min.Y+r)).(color.Gray)
			m.Pix[r*m.Cols+c] = px.Y
		}
	}
	return m
}

// Fingerprint is a perceptual hash of the image, handy for comparing detector
// output across runs.
func Fingerprint(m *Image) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	hash, err := goimagehash.PerceptionHash(m.Gray())
	if err != nil {
		return "", errors.Wrap(err, "goimagehash.PerceptionHash")
	}
	return hash.ToString(), nil
}
