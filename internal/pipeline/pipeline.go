// Package pipeline runs a YAML list of detector operations against one input.
//
//	detector: /opt/rrec/server
//	continue_on_error: true
//	steps:
//	  - op: load_from_file        # arg defaults to the input path
//	  - op: calculate_background
//	    arg: 51
//	  - op: calculate_signal
//	    arg: 3
//	  - op: calculate_significance
//	    arg: 2.5
//	  - op: cluster
//	  - op: image_request
//	    rows: 512
//	    cols: 512
//	    out: "{name}-main.png"
package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OkayMusic/RRec/internal/logger"
	"github.com/OkayMusic/RRec/pkg/raster"
	"github.com/OkayMusic/RRec/pkg/rrec"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NamePlaceholder in a step's out path is replaced by the input's base name
// without its extension.
const NamePlaceholder = "{name}"

type Step struct {
	Op   string      `yaml:"op"`
	Arg  interface{} `yaml:"arg,omitempty"`
	Rows int         `yaml:"rows,omitempty"`
	Cols int         `yaml:"cols,omitempty"`
	Out  string      `yaml:"out,omitempty"`

	opcode rrec.Opcode
}

type Pipeline struct {
	Detector        string `yaml:"detector,omitempty"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty"`
	Steps           []Step `yaml:"steps"`
}

// Detector is the part of *rrec.Client a pipeline drives.
type Detector interface {
	Exec(ctx context.Context, op rrec.Opcode, arg interface{}) error
	FetchImage(ctx context.Context, rows, cols int) (*raster.Image, error)
}

var _ Detector = &rrec.Client{}

func Load(path string) (*Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read pipeline")
	}
	p, err := Parse(b)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// Parse decodes and checks a pipeline. Unknown keys are rejected.
func Parse(b []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decode pipeline")
	}
	if len(p.Steps) == 0 {
		return nil, errors.New("pipeline has no steps")
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		op, err := rrec.ParseOpcode(s.Op)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i+1)
		}
		s.opcode = op
		if op == rrec.OpImageRequest && (s.Rows <= 0 || s.Cols <= 0) {
			return nil, errors.Errorf("step %d: image_request needs rows and cols", i+1)
		}
		if op != rrec.OpImageRequest && s.Out != "" {
			return nil, errors.Errorf("step %d: only image_request writes output", i+1)
		}
		if s.Arg, err = normalise(op, s.Arg); err != nil {
			return nil, errors.Wrapf(err, "step %d", i+1)
		}
	}
	return &p, nil
}

// normalise turns YAML-decoded values into the types Client.Exec takes.
func normalise(op rrec.Opcode, arg interface{}) (interface{}, error) {
	switch op {
	case rrec.OpLoadFromPython:
		rows, ok := arg.([]interface{})
		if !ok {
			return arg, nil
		}
		out := make([][]uint8, len(rows))
		for r, row := range rows {
			cells, ok := row.([]interface{})
			if !ok {
				return nil, errors.Errorf("row %d is not a list", r)
			}
			out[r] = make([]uint8, len(cells))
			for c, cell := range cells {
				v, ok := cell.(int)
				if !ok || v < 0 || v > 255 {
					return nil, errors.Errorf("pixel [%d][%d]=%v is not in 0..255", r, c, cell)
				}
				out[r][c] = uint8(v)
			}
		}
		return out, nil

	case rrec.OpRunAlgorithm:
		m, ok := arg.(map[string]interface{})
		if !ok {
			return arg, nil
		}
		var p rrec.RunParams
		var err error
		p.Path, _ = m["path"].(string)
		if p.WindowSize, err = intField(m, "window_size"); err != nil {
			return nil, err
		}
		if p.Size, err = intField(m, "size"); err != nil {
			return nil, err
		}
		switch v := m["sigma"].(type) {
		case int:
			p.Sigma = float64(v)
		case float64:
			p.Sigma = v
		default:
			return nil, errors.Errorf("sigma=%v is not a number", m["sigma"])
		}
		return p, nil
	}
	return arg, nil
}

func intField(m map[string]interface{}, k string) (int, error) {
	v, ok := m[k].(int)
	if !ok {
		return 0, errors.Errorf("%s=%v is not an integer", k, m[k])
	}
	return v, nil
}

// Run executes p against input. Load steps without an argument use input.
// With ContinueOnError set, algorithm errors are logged and skipped; any
// other error stops the run.
func Run(ctx context.Context, d Detector, p *Pipeline, input string) error {
	ctx = logger.WithFields(ctx, logrus.Fields{"input": input})
	log := logger.Entry(ctx)
	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))

	for i, s := range p.Steps {
		stepLog := log.WithField("step", i+1).WithField("op", s.opcode)
		start := time.Now()
		err := runStep(ctx, d, s, input, name, stepLog)
		var algErr *rrec.AlgorithmError
		switch {
		case err == nil:
			stepLog.WithField("elapsed", time.Since(start)).Info("step done")
		case p.ContinueOnError && errors.As(err, &algErr):
			stepLog.WithError(err).Warn("step failed, continuing")
		default:
			return errors.Wrapf(err, "step %d (%s)", i+1, s.opcode)
		}
	}
	return nil
}

func runStep(ctx context.Context, d Detector, s Step, input, name string, stepLog *logrus.Entry) error {
	arg := s.Arg
	if arg == nil && (s.opcode == rrec.OpLoadFromFile || s.opcode == rrec.OpLoadFromPython) {
		if s.opcode == rrec.OpLoadFromPython {
			img, err := readImage(input)
			if err != nil {
				return err
			}
			arg = img
		} else {
			arg = input
		}
	}
	if s.opcode != rrec.OpImageRequest {
		return d.Exec(ctx, s.opcode, arg)
	}

	img, err := d.FetchImage(ctx, s.Rows, s.Cols)
	if err != nil {
		return err
	}
	if fp, err := raster.Fingerprint(img); err == nil {
		stepLog = stepLog.WithField("phash", fp)
	}
	if s.Out == "" {
		stepLog.Info("fetched image")
		return nil
	}
	out := strings.ReplaceAll(s.Out, NamePlaceholder, name)
	if err := writePNG(out, img); err != nil {
		return err
	}
	stepLog.WithField("out", out).Info("wrote image")
	return nil
}
