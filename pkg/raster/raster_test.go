package raster

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeForLoad(t *testing.T) {
	img, err := FromRows([][]uint8{{0, 0, 0}, {0, 50, 255}})
	require.NoError(t, err)

	b, err := EncodeForLoad(img)
	require.NoError(t, err)
	require.Equal(t, []byte{
		2, 0, 0, 0, // rows
		3, 0, 0, 0, // cols
		0, 0, 0, 0, 50, 255,
	}, b)

	rows, cols, err := DecodeHeader(b[:HeaderSize])
	require.NoError(t, err)
	require.Equal(t, 2, rows)
	require.Equal(t, 3, cols)
}

func TestDecodeForFetch(t *testing.T) {
	img, err := DecodeForFetch([]byte{0, 0, 0, 0, 50, 255}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, [][]uint8{{0, 0, 0}, {0, 50, 255}}, img.Matrix())
	require.Equal(t, uint8(50), img.At(1, 1))
}

func TestDecodeForFetchMismatch(t *testing.T) {
	testCases := []struct {
		desc       string
		n          int
		rows, cols int
		err        error
	}{
		{desc: "short", n: 5, rows: 2, cols: 3, err: ErrSizeMismatch},
		{desc: "long", n: 7, rows: 2, cols: 3, err: ErrSizeMismatch},
		{desc: "zero rows", n: 0, rows: 0, cols: 3, err: ErrDimensions},
		{desc: "negative", n: 6, rows: -2, cols: -3, err: ErrDimensions},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			_, err := DecodeForFetch(make([]byte, tC.n), tC.rows, tC.cols)
			require.True(t, errors.Is(err, tC.err), "got %v", err)
		})
	}
}

func TestValidate(t *testing.T) {
	var nilImg *Image
	require.True(t, errors.Is(nilImg.Validate(), ErrDimensions))
	require.True(t, errors.Is((&Image{Rows: 2, Cols: 2, Pix: make([]uint8, 3)}).Validate(), ErrSizeMismatch))
	require.NoError(t, New(1, 1).Validate())

	_, err := FromRows([][]uint8{{1, 2}, {3}})
	require.True(t, errors.Is(err, ErrRagged))
	_, err = FromRows(nil)
	require.True(t, errors.Is(err, ErrDimensions))
}

func TestDecodeHeaderRejectsBadDims(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0, 0, 0, 0, 3, 0, 0, 0})
	require.True(t, errors.Is(err, ErrDimensions))
	_, _, err = DecodeHeader([]byte{1, 0, 0})
	require.Error(t, err)
}

func TestCheckDimsCapsPixelCount(t *testing.T) {
	require.NoError(t, CheckDims(1, MaxPixels))
	require.NoError(t, CheckDims(MaxPixels, 1))
	require.NoError(t, CheckDims(46340, 46340))

	for _, dims := range [][2]int{{46341, 46341}, {2, MaxPixels}, {math.MaxInt32, math.MaxInt32}, {0, 1}, {1, -1}} {
		require.True(t, errors.Is(CheckDims(dims[0], dims[1]), ErrDimensions), "%v", dims)
	}
}

func TestGrayConversions(t *testing.T) {
	img, err := FromRows([][]uint8{{10, 20}, {30, 40}, {50, 60}})
	require.NoError(t, err)

	g := img.Gray()
	require.Equal(t, image.Rect(0, 0, 2, 3), g.Bounds())
	require.Equal(t, color.Gray{Y: 30}, g.GrayAt(0, 1))

	back := FromImage(g)
	require.Equal(t, img, back)

	rgba := image.NewRGBA(image.Rect(5, 5, 7, 6))
	rgba.Set(5, 5, color.White)
	conv := FromImage(rgba)
	require.Equal(t, 1, conv.Rows)
	require.Equal(t, 2, conv.Cols)
	require.Equal(t, []uint8{255, 0}, conv.Pix)
}

func TestFingerprint(t *testing.T) {
	a := New(32, 32)
	for i := range a.Pix {
		a.Pix[i] = uint8(i)
	}
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	require.NotEmpty(t, fa)

	fb, err := Fingerprint(a)
	require.NoError(t, err)
	require.Equal(t, fa, fb)
}

func TestLoadFetchRoundTrip(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		rows := rapid.IntRange(1, 64).Draw(r, "rows")
		cols := rapid.IntRange(1, 64).Draw(r, "cols")
		pix := rapid.SliceOfN(rapid.Byte(), rows*cols, rows*cols).Draw(r, "pix")
		img := &Image{Rows: rows, Cols: cols, Pix: pix}

		b, err := EncodeForLoad(img)
		if err != nil {
			r.Fatalf("EncodeForLoad: %v", err)
		}
		gotRows, gotCols, err := DecodeHeader(b[:HeaderSize])
		if err != nil {
			r.Fatalf("DecodeHeader: %v", err)
		}
		got, err := DecodeForFetch(b[HeaderSize:], gotRows, gotCols)
		if err != nil {
			r.Fatalf("DecodeForFetch: %v", err)
		}
		if got.Rows != rows || got.Cols != cols || string(got.Pix) != string(pix) {
			r.Fatalf("round trip mismatch for %dx%d", rows, cols)
		}
	})
}
