// Package channel owns a spawned detector process and exposes blocking,
// byte-level I/O on its stdin and stdout.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultGrace is how long Close waits at each shutdown step before escalating.
const DefaultGrace = 500 * time.Millisecond

var (
	ErrClosed = errors.New("channel closed")
	ErrExited = errors.New("detector process exited")
)

type Option func(c *Channel) error

func WithArgs(args ...string) Option {
	return func(c *Channel) error {
		c.args = append(c.args, args...)
		return nil
	}
}

// WithEnv adds KEY=value pairs on top of the parent's environment.
func WithEnv(env ...string) Option {
	return func(c *Channel) error {
		c.env = append(c.env, env...)
		return nil
	}
}

func WithDir(dir string) Option {
	return func(c *Channel) error {
		c.dir = dir
		return nil
	}
}

func WithGrace(d time.Duration) Option {
	return func(c *Channel) error {
		if d < 0 {
			return errors.Errorf("negative grace period %s", d)
		}
		c.grace = d
		return nil
	}
}

func WithLogger(e *logrus.Entry) Option {
	return func(c *Channel) error {
		c.log = e
		return nil
	}
}

// Channel is a running detector process. Reads and writes are not
// synchronised with each other; the caller sequences frames. Close may be
// called from any goroutine, any number of times.
type Channel struct {
	args  []string
	env   []string
	dir   string
	grace time.Duration
	log   *logrus.Entry

	mutex   sync.Mutex
	closed  bool
	waitErr error

	once     sync.Once
	closeErr error

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdoutFile *os.File
	stdout     *bufio.Reader
	stderr     *io.PipeWriter
	done       chan struct{}
}

// Spawn starts path with piped stdin and stdout. Cancelling ctx kills the
// process group.
func Spawn(ctx context.Context, path string, opts ...Option) (*Channel, error) {
	c := &Channel{
		grace: DefaultGrace,
		log:   logrus.NewEntry(logrus.StandardLogger()),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.log = c.log.WithField("detector", path)

	cmd := exec.CommandContext(ctx, path, c.args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, true)
	}
	cmd.WaitDelay = c.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "StdinPipe")
	}

	// cmd.StdoutPipe would be closed by Wait while frames may still be
	// buffered, so the read end stays ours until Close.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "os.Pipe")
	}
	cmd.Stdout = pw

	c.stderr = c.log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = c.stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		c.stderr.Close()
		return nil, errors.Wrapf(err, "couldn't spawn %s", path)
	}
	pw.Close()

	c.cmd = cmd
	c.stdin = stdin
	c.stdoutFile = pr
	c.stdout = bufio.NewReader(pr)
	c.log = c.log.WithField("pid", cmd.Process.Pid)
	c.log.Debug("detector started")

	go c.reap()
	return c, nil
}

// reap is the only caller of Wait.
func (c *Channel) reap() {
	err := c.cmd.Wait()
	c.stderr.Close()

	c.mutex.Lock()
	c.waitErr = err
	c.mutex.Unlock()

	c.log.WithError(err).WithField("exit_code", c.cmd.ProcessState.ExitCode()).Debug("detector exited")
	close(c.done)
}

func (c *Channel) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *Channel) Write(p []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case <-c.done:
		return errors.Wrap(ErrExited, "write")
	default:
	}
	if _, err := c.stdin.Write(p); err != nil {
		return errors.Wrapf(err, "write %d bytes", len(p))
	}
	return nil
}

// ReadExact blocks until n bytes are read. A child that exits first yields
// io.ErrUnexpectedEOF (or io.EOF if nothing at all was read).
func (c *Channel) ReadExact(n int) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if n < 0 {
		return nil, errors.Errorf("negative read length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.stdout, buf); err != nil {
		return nil, errors.Wrapf(err, "read %d bytes", n)
	}
	return buf, nil
}

// ReadLine returns the next newline-terminated line without its terminator.
func (c *Channel) ReadLine() ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	line, err := c.stdout.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "read line")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *Channel) Pid() int { return c.cmd.Process.Pid }

// Logger is the entry the channel logs with, tagged with the pid.
func (c *Channel) Logger() *logrus.Entry { return c.log }

// Done is closed once the process has been reaped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// ExitCode is -1 until the process has been reaped.
func (c *Channel) ExitCode() int {
	select {
	case <-c.done:
		return c.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Err is the result of Wait, valid once Done is closed.
func (c *Channel) Err() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.waitErr
}

// Close shuts the detector down: stdin is closed, then the process group is
// sent SIGTERM and finally SIGKILL, waiting the grace period between steps.
// It returns once the process has been reaped.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.mutex.Lock()
		c.closed = true
		c.mutex.Unlock()
		c.closeErr = c.shutdown()
	})
	return c.closeErr
}

func (c *Channel) shutdown() error {
	defer c.stdoutFile.Close()

	c.stdin.Close()
	if c.waitFor(c.grace) {
		return nil
	}
	c.log.Debug("detector ignored stdin close, sending SIGTERM")
	if err := signalGroup(c.Pid(), false); err != nil {
		c.log.WithError(err).Warn("SIGTERM")
	}
	if c.waitFor(c.grace) {
		return nil
	}
	c.log.Warn("detector ignored SIGTERM, killing")
	if err := signalGroup(c.Pid(), true); err != nil {
		return errors.Wrap(err, "kill detector")
	}
	<-c.done
	return nil
}

func (c *Channel) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}
