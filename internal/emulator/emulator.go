// Package emulator answers the detector wire protocol in Go. It keeps the
// same state checks and diagnostic lines as the native detector, with simple
// stand-ins for its image processing, so clients can be exercised without it.
package emulator

import (
	"bufio"
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/OkayMusic/RRec/internal/logger"
	"github.com/OkayMusic/RRec/internal/wire"
	"github.com/OkayMusic/RRec/pkg/raster"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	msgNotOpen          = "file not open."
	msgNoBackground     = "background not calculated."
	msgNoSignal         = "signal not calculated."
	msgPicNeedsDims     = "to open a .pic file pass N_rows and N_cols as args."
	msgNoPeaks          = "no peaks found"
	msgNotImplemented   = "not implemented."
	msgBadWindow        = "window size must be positive."
	msgUnknownOperation = "unknown instruction."
)

type reply struct {
	code    wire.Response
	diag    string
	payload []byte
}

func ok() reply                   { return reply{code: wire.Success} }
func fail(msg string) reply       { return reply{code: wire.Error, diag: msg} }
func notImplemented() reply       { return reply{code: wire.NotImplemented, diag: msgNotImplemented} }
func okWith(payload []byte) reply { return reply{code: wire.Success, payload: payload} }

// Detector holds the state of one emulated conversation.
type Detector struct {
	log *logrus.Entry

	main         *raster.Image
	background   []float64
	signal       []float64
	significant  []bool
	clusterCount int
}

func New(log *logrus.Entry) *Detector {
	return &Detector{log: log}
}

// Serve answers requests from r on w until r is exhausted or ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return New(logger.Entry(ctx)).Serve(ctx, r, w)
}

func (d *Detector) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for ctx.Err() == nil {
		b := make([]byte, wire.Size)
		if _, err := io.ReadFull(br, b); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read opcode")
		}
		op, err := wire.DecodeOpcode(b)
		var rep reply
		if err != nil {
			d.log.WithError(err).Warn("unknown opcode")
			rep = fail(msgUnknownOperation)
		} else {
			rep, err = d.handle(op, br)
			if err != nil {
				return errors.Wrapf(err, "%s parameters", op)
			}
			d.log.WithField("op", op).WithField("response", rep.code).Debug("handled")
		}
		if err := writeReply(bw, rep); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func writeReply(bw *bufio.Writer, rep reply) error {
	bw.Write(wire.EncodeResponse(rep.code))
	if rep.code != wire.Success {
		bw.WriteString(rep.diag + "\n")
	} else {
		bw.Write(rep.payload)
	}
	return errors.Wrap(bw.Flush(), "write reply")
}

// handle reads op's parameters from br and applies it. An error means the
// parameters could not be read and the stream is unusable.
func (d *Detector) handle(op wire.Opcode, br *bufio.Reader) (reply, error) {
	switch op {
	case wire.ImageRequest:
		if d.main == nil {
			return fail(msgNotOpen), nil
		}
		return okWith(append([]byte(nil), d.main.Pix...)), nil

	case wire.LoadFromFile:
		path, err := readLine(br)
		if err != nil {
			return reply{}, err
		}
		return d.loadFile(path), nil

	case wire.LoadFromPython:
		hdr := make([]byte, raster.HeaderSize)
		if _, err := io.ReadFull(br, hdr); err != nil {
			return reply{}, err
		}
		rows, cols, err := raster.DecodeHeader(hdr)
		if err != nil {
			return reply{}, err
		}
		pix := make([]byte, rows*cols)
		if _, err := io.ReadFull(br, pix); err != nil {
			return reply{}, err
		}
		d.setMain(&raster.Image{Rows: rows, Cols: cols, Pix: pix})
		return ok(), nil

	case wire.RunAlgorithm:
		if _, err := readLine(br); err != nil {
			return reply{}, err
		}
		if _, err := readInt(br); err != nil {
			return reply{}, err
		}
		if _, err := readInt(br); err != nil {
			return reply{}, err
		}
		if _, err := readFloat(br); err != nil {
			return reply{}, err
		}
		return notImplemented(), nil

	case wire.Equalize:
		if d.main == nil {
			return fail(msgNotOpen), nil
		}
		equalize(d.main)
		return ok(), nil

	case wire.CalculateBackground, wire.CalculateSignal:
		n, err := readInt(br)
		if err != nil {
			return reply{}, err
		}
		if d.main == nil {
			return fail(msgNotOpen), nil
		}
		if n < 1 {
			return fail(msgBadWindow), nil
		}
		window := oddWindow(int(n))
		if op == wire.CalculateBackground {
			d.background = boxMean(d.main, window)
		} else {
			d.signal = boxMean(d.main, window)
		}
		return ok(), nil

	case wire.CalculateSignificance:
		sigma, err := readFloat(br)
		if err != nil {
			return reply{}, err
		}
		switch {
		case d.main == nil:
			return fail(msgNotOpen), nil
		case d.background == nil:
			return fail(msgNoBackground), nil
		case d.signal == nil:
			return fail(msgNoSignal), nil
		}
		d.significant = threshold(d.signal, d.background, sigma)
		return ok(), nil

	case wire.Cluster:
		if d.main == nil {
			return fail(msgNotOpen), nil
		}
		mask := d.significant
		if mask == nil {
			mask = make([]bool, len(d.main.Pix))
			for i, v := range d.main.Pix {
				mask[i] = v > 0
			}
		}
		d.clusterCount = countClusters(mask, d.main.Rows, d.main.Cols)
		if d.clusterCount == 0 {
			return fail(msgNoPeaks), nil
		}
		d.log.WithField("clusters", d.clusterCount).Debug("clustered")
		return ok(), nil
	}
	return fail(msgUnknownOperation), nil
}

func (d *Detector) loadFile(path string) reply {
	d.setMain(nil)
	if strings.HasSuffix(path, ".pic") {
		return fail(msgPicNeedsDims)
	}
	f, err := os.Open(path)
	if err != nil {
		return fail("couldn't open " + path + ".")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return fail("couldn't decode " + path + ".")
	}
	d.setMain(raster.FromImage(img))
	return ok()
}

// setMain replaces the main image and drops everything derived from it.
func (d *Detector) setMain(m *raster.Image) {
	d.main = m
	d.background = nil
	d.signal = nil
	d.significant = nil
	d.clusterCount = 0
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

func readInt(br *bufio.Reader) (int32, error) {
	b := make([]byte, wire.Size)
	if _, err := io.ReadFull(br, b); err != nil {
		return 0, err
	}
	return wire.Int32(b)
}

func readFloat(br *bufio.Reader) (float64, error) {
	b := make([]byte, wire.FloatSize)
	if _, err := io.ReadFull(br, b); err != nil {
		return 0, err
	}
	return wire.Float64(b)
}
