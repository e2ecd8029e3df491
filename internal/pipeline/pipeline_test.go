package pipeline

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/OkayMusic/RRec/internal/logger"
	"github.com/OkayMusic/RRec/pkg/raster"
	"github.com/OkayMusic/RRec/pkg/rrec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const detect = `
detector: /opt/rrec/server
continue_on_error: true
steps:
  - op: load_from_file
  - op: calculate_background
    arg: 51
  - op: calculate_significance
    arg: 2
  - op: cluster
  - op: image_request
    rows: 2
    cols: 2
    out: "{name}-main.png"
`

type call struct {
	op  rrec.Opcode
	arg interface{}
}

type fakeDetector struct {
	calls []call
	fail  map[rrec.Opcode]error
	image *raster.Image
}

func (f *fakeDetector) Exec(_ context.Context, op rrec.Opcode, arg interface{}) error {
	f.calls = append(f.calls, call{op, arg})
	return f.fail[op]
}

func (f *fakeDetector) FetchImage(_ context.Context, rows, cols int) (*raster.Image, error) {
	f.calls = append(f.calls, call{rrec.OpImageRequest, [2]int{rows, cols}})
	if err := f.fail[rrec.OpImageRequest]; err != nil {
		return nil, err
	}
	return f.image, nil
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(detect))
	require.NoError(t, err)
	require.Equal(t, "/opt/rrec/server", p.Detector)
	require.True(t, p.ContinueOnError)
	require.Len(t, p.Steps, 5)
	require.Equal(t, rrec.OpCalculateBackground, p.Steps[1].opcode)
	require.Equal(t, 51, p.Steps[1].Arg)
	require.Equal(t, 2, p.Steps[2].Arg)
}

func TestParseArguments(t *testing.T) {
	p, err := Parse([]byte(`
steps:
  - op: load_from_python
    arg: [[0, 0, 0], [0, 50, 255]]
  - op: run_algorithm
    arg: {path: frame.png, window_size: 51, size: 3, sigma: 2}
  - op: calculate_background
    arg: 51.5
`))
	require.NoError(t, err)
	require.Equal(t, [][]uint8{{0, 0, 0}, {0, 50, 255}}, p.Steps[0].Arg)
	require.Equal(t, rrec.RunParams{Path: "frame.png", WindowSize: 51, Size: 3, Sigma: 2}, p.Steps[1].Arg)
	// left for the client to reject
	require.Equal(t, 51.5, p.Steps[2].Arg)
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":         "steps: []",
		"unknown op":    "steps: [{op: explode}]",
		"unknown key":   "steps: [{op: cluster, colour: red}]",
		"fetch dims":    "steps: [{op: image_request, rows: 2}]",
		"stray out":     "steps: [{op: cluster, out: x.png}]",
		"pixel range":   "steps: [{op: load_from_python, arg: [[256]]}]",
		"ragged type":   "steps: [{op: load_from_python, arg: [1, 2]}]",
		"run sigma":     "steps: [{op: run_algorithm, arg: {path: a, window_size: 1, size: 1, sigma: x}}]",
		"run window":    "steps: [{op: run_algorithm, arg: {path: a, window_size: 1.5, size: 1, sigma: 1}}]",
		"not a mapping": "- op: cluster",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "frame.png")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	p, err := Parse([]byte(detect))
	require.NoError(t, err)

	want := &raster.Image{Rows: 2, Cols: 2, Pix: []uint8{1, 2, 3, 4}}
	d := &fakeDetector{
		image: want,
		fail: map[rrec.Opcode]error{
			rrec.OpCluster: &rrec.AlgorithmError{Op: rrec.OpCluster, Code: rrec.ResponseError, Message: "no peaks found"},
		},
	}
	require.NoError(t, Run(context.Background(), d, p, input))

	require.Equal(t, []call{
		{rrec.OpLoadFromFile, input},
		{rrec.OpCalculateBackground, 51},
		{rrec.OpCalculateSignificance, 2},
		{rrec.OpCluster, nil},
		{rrec.OpImageRequest, [2]int{2, 2}},
	}, d.calls)

	f, err := os.Open(filepath.Join(dir, "frame-main.png"))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	gray, ok := img.(*image.Gray)
	require.True(t, ok)
	require.Equal(t, want.Pix, raster.FromImage(gray).Pix)
}

func TestRunStopsOnError(t *testing.T) {
	p, err := Parse([]byte(detect))
	require.NoError(t, err)

	algErr := &rrec.AlgorithmError{Op: rrec.OpCalculateBackground, Code: rrec.ResponseError, Message: "file not open."}
	d := &fakeDetector{fail: map[rrec.Opcode]error{rrec.OpCalculateBackground: algErr}}
	p.ContinueOnError = false
	err = Run(context.Background(), d, p, "frame.png")
	require.True(t, errors.Is(err, algErr))
	require.Len(t, d.calls, 2)

	transport := &rrec.TransportError{Op: "cluster", Cause: rrec.ErrClosed}
	d = &fakeDetector{fail: map[rrec.Opcode]error{rrec.OpCluster: transport}}
	p.ContinueOnError = true
	err = Run(context.Background(), d, p, "frame.png")
	require.ErrorIs(t, err, rrec.ErrClosed)
	require.Len(t, d.calls, 4)
}

func TestLoadFromPythonReadsInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "frame.png")
	src := image.NewGray(image.Rect(0, 0, 2, 1))
	src.Pix = []uint8{7, 9}
	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	p, err := Parse([]byte("steps: [{op: load_from_python}]"))
	require.NoError(t, err)
	d := &fakeDetector{}
	require.NoError(t, Run(context.Background(), d, p, input))
	require.Len(t, d.calls, 1)
	require.Equal(t, &raster.Image{Rows: 1, Cols: 2, Pix: []uint8{7, 9}}, d.calls[0].arg)

	require.Error(t, Run(context.Background(), d, p, filepath.Join(dir, "missing.png")))
}

func TestRunTagsLogsWithInput(t *testing.T) {
	l, hook := logtest.NewNullLogger()
	ctx := logger.WithLogEntry(context.Background(), logrus.NewEntry(l))

	p, err := Parse([]byte("steps: [{op: equalize}, {op: cluster}]"))
	require.NoError(t, err)
	require.NoError(t, Run(ctx, &fakeDetector{}, p, "frames/fr_0.png"))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, "frames/fr_0.png", e.Data["input"])
	}
	require.Equal(t, 2, entries[1].Data["step"])
}
