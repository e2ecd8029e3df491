package pipeline

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/OkayMusic/RRec/pkg/raster"
	"github.com/pkg/errors"
)

// readImage decodes path on this side of the pipe, for load_from_python.
func readImage(path string) (*raster.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open input")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return raster.FromImage(img), nil
}

func writePNG(path string, m *raster.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if err := png.Encode(f, m.Gray()); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return errors.Wrap(f.Close(), "close output")
}
