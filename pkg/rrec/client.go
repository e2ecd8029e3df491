// Package rrec drives an RRec detector process over its stdin and stdout.
//
// Every method writes one request frame and reads exactly one response before
// returning, so the pipe never carries more than one outstanding request.
// Concurrent callers queue on the client. Parameters are validated before
// anything is written; a ParameterError or AlgorithmError leaves the client
// usable, while a TransportError or ProtocolError closes it and the detector.
package rrec

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/OkayMusic/RRec/internal/channel"
	"github.com/OkayMusic/RRec/internal/logger"
	"github.com/OkayMusic/RRec/internal/session"
	"github.com/OkayMusic/RRec/internal/wire"
	"github.com/OkayMusic/RRec/pkg/raster"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// conn is the byte-level pipe to a detector.
type conn interface {
	Write(p []byte) error
	ReadExact(n int) ([]byte, error)
	ReadLine() ([]byte, error)
	Close() error
}

var _ conn = &channel.Channel{}

type Option func(o *options) error

type options struct {
	channelOpts []channel.Option
	log         *logrus.Entry
}

// WithArgs passes extra command line arguments to the detector.
func WithArgs(args ...string) Option {
	return func(o *options) error {
		o.channelOpts = append(o.channelOpts, channel.WithArgs(args...))
		return nil
	}
}

// WithEnv adds KEY=value pairs to the detector's environment.
func WithEnv(env ...string) Option {
	return func(o *options) error {
		o.channelOpts = append(o.channelOpts, channel.WithEnv(env...))
		return nil
	}
}

// WithDir sets the detector's working directory.
func WithDir(dir string) Option {
	return func(o *options) error {
		o.channelOpts = append(o.channelOpts, channel.WithDir(dir))
		return nil
	}
}

// WithGrace sets how long Close waits at each step before escalating from
// closing stdin to SIGTERM to SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(o *options) error {
		o.channelOpts = append(o.channelOpts, channel.WithGrace(d))
		return nil
	}
}

func WithLogger(e *logrus.Entry) Option {
	return func(o *options) error {
		o.log = e
		return nil
	}
}

type Client struct {
	conn    conn
	sem     *semaphore.Weighted
	session *session.Session
	log     *logrus.Entry
	pid     int

	closeOnce sync.Once
	closeErr  error
}

// New spawns the detector at path. The detector is killed when ctx is done,
// when Close is called, or when an unclosed Client is garbage collected.
func New(ctx context.Context, path string, opts ...Option) (*Client, error) {
	o := options{log: logger.Entry(ctx)}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	log := o.log.WithField("session", uuid.NewString())

	ch, err := channel.Spawn(ctx, path, append(o.channelOpts, channel.WithLogger(log))...)
	if err != nil {
		return nil, &TransportError{Op: "spawn", Cause: err}
	}
	c := newClient(ch, ch.Logger())
	c.pid = ch.Pid()
	runtime.SetFinalizer(c, func(c *Client) {
		c.log.Warn("client was not closed, stopping detector")
		go c.Close()
	})
	return c, nil
}

func newClient(cn conn, log *logrus.Entry) *Client {
	return &Client{
		conn:    cn,
		sem:     semaphore.NewWeighted(1),
		session: session.New(log),
		log:     log,
	}
}

// Pid is the detector's process id.
func (c *Client) Pid() int { return c.pid }

// State is the session state: idle, awaiting_response or closed.
func (c *Client) State() string { return c.session.State() }

// Close stops the detector. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		runtime.SetFinalizer(c, nil)
		c.session.Close()
		c.closeErr = c.conn.Close()
		c.log.Debug("client closed")
	})
	return c.closeErr
}

// do runs one request/response cycle. onSuccess reads any payload that
// follows a success response.
func (c *Client) do(ctx context.Context, op Opcode, params [][]byte, onSuccess func() error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(err, "%s: waiting for detector", op)
	}
	defer c.sem.Release(1)
	// Acquire does not look at ctx when the semaphore is free
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "%s: not sent", op)
	}

	if err := c.session.Begin(op.String()); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return &TransportError{Op: op.String(), Cause: ErrClosed}
		}
		return &ProtocolError{Op: op.String(), Message: "session out of step", Cause: err}
	}

	log := c.log.WithField("op", op)
	start := time.Now()
	stop := context.AfterFunc(ctx, func() {
		log.Warn("context done while awaiting response, stopping detector")
		c.Close()
	})
	err := c.exchange(op, params, onSuccess)
	if !stop() {
		err = &TransportError{Op: op.String(), Cause: errors.Wrap(ctx.Err(), "aborted while awaiting response")}
	}

	if !IsRecoverable(err) {
		log.WithError(err).Error("session failed")
		c.Close()
		return err
	}
	if endErr := c.session.End(); endErr != nil {
		return &TransportError{Op: op.String(), Cause: ErrClosed}
	}
	log.WithError(err).WithField("elapsed", time.Since(start)).Debug("request complete")
	return err
}

func (c *Client) exchange(op Opcode, params [][]byte, onSuccess func() error) error {
	if err := c.conn.Write(wire.EncodeOpcode(op)); err != nil {
		return &TransportError{Op: op.String(), Cause: err}
	}
	for _, p := range params {
		if err := c.conn.Write(p); err != nil {
			return &TransportError{Op: op.String(), Cause: err}
		}
	}

	b, err := c.conn.ReadExact(wire.Size)
	if err != nil {
		return &TransportError{Op: op.String(), Cause: err}
	}
	resp, err := wire.DecodeResponse(b)
	if err != nil {
		return &ProtocolError{Op: op.String(), Message: "bad response code", Cause: err}
	}
	if resp != wire.Success {
		line, err := c.conn.ReadLine()
		if err != nil {
			return &TransportError{Op: op.String(), Cause: errors.Wrap(err, "diagnostic line")}
		}
		return &AlgorithmError{Op: op, Code: resp, Message: string(line)}
	}
	if onSuccess != nil {
		return onSuccess()
	}
	return nil
}

// LoadFromFile asks the detector to read its main image from path.
func (c *Client) LoadFromFile(ctx context.Context, path string) error {
	p, err := pathParam(OpLoadFromFile, path)
	if err != nil {
		return err
	}
	return c.do(ctx, OpLoadFromFile, [][]byte{p}, nil)
}

// LoadFromArray sends img as the detector's main image.
func (c *Client) LoadFromArray(ctx context.Context, img *raster.Image) error {
	p, err := imageParam(OpLoadFromPython, img)
	if err != nil {
		return err
	}
	return c.do(ctx, OpLoadFromPython, [][]byte{p}, nil)
}

// FetchImage reads back the detector's main image. The detector does not
// send dimensions, so rows and cols must match what it holds.
func (c *Client) FetchImage(ctx context.Context, rows, cols int) (*raster.Image, error) {
	if err := dimsParam(OpImageRequest, rows, cols); err != nil {
		return nil, err
	}
	var img *raster.Image
	err := c.do(ctx, OpImageRequest, nil, func() error {
		b, err := c.conn.ReadExact(rows * cols)
		if err != nil {
			return &TransportError{Op: OpImageRequest.String(), Cause: errors.Wrap(err, "pixels")}
		}
		img, err = raster.DecodeForFetch(b, rows, cols)
		if err != nil {
			return &ProtocolError{Op: OpImageRequest.String(), Message: "pixels", Cause: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (c *Client) Equalize(ctx context.Context) error {
	return c.do(ctx, OpEqualize, nil, nil)
}

func (c *Client) Cluster(ctx context.Context) error {
	return c.do(ctx, OpCluster, nil, nil)
}

// CalculateBackground estimates local brightness over windowSize pixels.
func (c *Client) CalculateBackground(ctx context.Context, windowSize int) error {
	return c.intOp(ctx, OpCalculateBackground, "windowSize", windowSize)
}

// CalculateSignal estimates local signal over size pixels.
func (c *Client) CalculateSignal(ctx context.Context, size int) error {
	return c.intOp(ctx, OpCalculateSignal, "size", size)
}

// CalculateSignificance thresholds signal against background at sigma.
func (c *Client) CalculateSignificance(ctx context.Context, sigma float64) error {
	return c.floatOp(ctx, OpCalculateSignificance, "sigma", sigma)
}

func (c *Client) intOp(ctx context.Context, op Opcode, name string, v interface{}) error {
	n, err := intParam(op, name, v)
	if err != nil {
		return err
	}
	return c.do(ctx, op, [][]byte{wire.PutInt32(n)}, nil)
}

func (c *Client) floatOp(ctx context.Context, op Opcode, name string, v interface{}) error {
	f, err := floatParam(op, name, v)
	if err != nil {
		return err
	}
	return c.do(ctx, op, [][]byte{wire.PutFloat64(f)}, nil)
}

// RunAlgorithm asks the detector for a complete run over the file at
// p.Path.
func (c *Client) RunAlgorithm(ctx context.Context, p RunParams) error {
	path, err := pathParam(OpRunAlgorithm, p.Path)
	if err != nil {
		return err
	}
	l, err := intParam(OpRunAlgorithm, "windowSize", p.WindowSize)
	if err != nil {
		return err
	}
	d, err := intParam(OpRunAlgorithm, "size", p.Size)
	if err != nil {
		return err
	}
	sigma, err := floatParam(OpRunAlgorithm, "sigma", p.Sigma)
	if err != nil {
		return err
	}
	return c.do(ctx, OpRunAlgorithm, [][]byte{path, wire.PutInt32(l), wire.PutInt32(d), wire.PutFloat64(sigma)}, nil)
}

// SetMainImage loads the detector's main image from src.
func (c *Client) SetMainImage(ctx context.Context, src Source) error {
	switch s := src.(type) {
	case FilePath:
		return c.LoadFromFile(ctx, string(s))
	case RawImage:
		return c.LoadFromArray(ctx, s.Image)
	}
	return &ParameterError{Op: "set_main_image", Param: "source", Value: src, Reason: "must be FilePath or RawImage"}
}

// MainImage is FetchImage under the name the detector uses for it.
func (c *Client) MainImage(ctx context.Context, rows, cols int) (*raster.Image, error) {
	return c.FetchImage(ctx, rows, cols)
}

// Exec runs op with a dynamically typed argument, as read from a pipeline
// file. Integer parameters must hold a Go integer; sigma may be any number.
// ImageRequest is not available here since it returns an image; use
// FetchImage.
func (c *Client) Exec(ctx context.Context, op Opcode, arg interface{}) error {
	switch op {
	case OpEqualize, OpCluster:
		if arg != nil {
			return &ParameterError{Op: op.String(), Param: "arg", Value: arg, Reason: "takes no parameter"}
		}
		return c.do(ctx, op, nil, nil)
	case OpCalculateBackground:
		return c.intOp(ctx, op, "windowSize", arg)
	case OpCalculateSignal:
		return c.intOp(ctx, op, "size", arg)
	case OpCalculateSignificance:
		return c.floatOp(ctx, op, "sigma", arg)
	case OpLoadFromFile:
		switch p := arg.(type) {
		case string:
			return c.LoadFromFile(ctx, p)
		case FilePath:
			return c.LoadFromFile(ctx, string(p))
		}
	case OpLoadFromPython:
		switch img := arg.(type) {
		case *raster.Image:
			return c.LoadFromArray(ctx, img)
		case RawImage:
			return c.LoadFromArray(ctx, img.Image)
		case [][]uint8:
			m, err := raster.FromRows(img)
			if err != nil {
				return &ParameterError{Op: op.String(), Param: "image", Value: len(img), Reason: err.Error()}
			}
			return c.LoadFromArray(ctx, m)
		}
	case OpRunAlgorithm:
		if p, ok := arg.(RunParams); ok {
			return c.RunAlgorithm(ctx, p)
		}
	default:
		return &ParameterError{Op: op.String(), Param: "op", Value: op, Reason: "not available through Exec"}
	}
	return &ParameterError{Op: op.String(), Param: "arg", Value: arg, Reason: "wrong type"}
}
