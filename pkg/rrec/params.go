package rrec

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/OkayMusic/RRec/pkg/raster"
)

// Source is what the detector's main image can be loaded from: a FilePath or
// a RawImage.
type Source interface {
	source()
}

// FilePath is an image file readable by the detector process.
type FilePath string

// RawImage is pixel data sent over the pipe.
type RawImage struct {
	Image *raster.Image
}

func (FilePath) source() {}
func (RawImage) source() {}

// RunParams are the arguments of a full detection run.
type RunParams struct {
	Path       string
	WindowSize int
	Size       int
	Sigma      float64
}

// intParam accepts Go integer kinds only; a float is rejected even when it
// happens to be integral.
func intParam(op Opcode, name string, v interface{}) (int32, error) {
	rv := reflect.ValueOf(v)
	var n int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt32 {
			return 0, outOfRange(op, name, v)
		}
		n = int64(rv.Uint())
	default:
		return 0, &ParameterError{Op: op.String(), Param: name, Value: v,
			Reason: fmt.Sprintf("must be an integer, got %T", v)}
	}
	if n < 1 || n > math.MaxInt32 {
		return 0, outOfRange(op, name, v)
	}
	return int32(n), nil
}

func outOfRange(op Opcode, name string, v interface{}) error {
	return &ParameterError{Op: op.String(), Param: name, Value: v,
		Reason: fmt.Sprintf("must be in [1, %d]", math.MaxInt32)}
}

func floatParam(op Opcode, name string, v interface{}) (float64, error) {
	rv := reflect.ValueOf(v)
	var f float64
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		f = rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f = float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f = float64(rv.Uint())
	default:
		return 0, &ParameterError{Op: op.String(), Param: name, Value: v,
			Reason: fmt.Sprintf("must be a number, got %T", v)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParameterError{Op: op.String(), Param: name, Value: v, Reason: "must be finite"}
	}
	return f, nil
}

// pathParam rejects paths that would break the newline-terminated framing.
func pathParam(op Opcode, path string) ([]byte, error) {
	reason := ""
	switch {
	case path == "":
		reason = "must not be empty"
	case strings.ContainsAny(path, "\r\n"):
		reason = "must not contain line breaks"
	case !utf8.ValidString(path):
		reason = "must be valid UTF-8"
	}
	if reason != "" {
		return nil, &ParameterError{Op: op.String(), Param: "path", Value: path, Reason: reason}
	}
	return []byte(path + "\n"), nil
}

func imageParam(op Opcode, img *raster.Image) ([]byte, error) {
	b, err := raster.EncodeForLoad(img)
	if err != nil {
		var value interface{} = "<nil>"
		if img != nil {
			value = fmt.Sprintf("%dx%d/%d", img.Rows, img.Cols, len(img.Pix))
		}
		return nil, &ParameterError{Op: op.String(), Param: "image", Value: value, Reason: err.Error()}
	}
	return b, nil
}

func dimsParam(op Opcode, rows, cols int) error {
	if err := raster.CheckDims(rows, cols); err != nil {
		return &ParameterError{Op: op.String(), Param: "dimensions",
			Value: fmt.Sprintf("%dx%d", rows, cols), Reason: err.Error()}
	}
	return nil
}
