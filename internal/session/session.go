// Package session tracks the request/response alternation of a detector
// conversation. At most one request is outstanding; closed is terminal.
package session

import (
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StateIdle     = "idle"
	StateAwaiting = "awaiting_response"
	StateClosed   = "closed"

	eventBegin = "begin"
	eventEnd   = "end"
	eventClose = "close"
)

var (
	ErrBusy   = errors.New("a request is already outstanding")
	ErrClosed = errors.New("session closed")
	ErrIdle   = errors.New("no request outstanding")
)

type Session struct {
	mutex sync.Mutex
	fsm   *fsm.FSM
	op    string
}

func New(log *logrus.Entry) *Session {
	s := &Session{}
	s.fsm = newFSM(func(e *fsm.Event) {
		if e.Src != e.Dst {
			log.WithField("op", s.op).Tracef("session [%s -> %s] %s", e.Src, e.Dst, e.Event)
		}
	})
	return s
}

func newFSM(after fsm.Callback) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{StateIdle}, Dst: StateAwaiting},
			{Name: eventEnd, Src: []string{StateAwaiting}, Dst: StateIdle},
			{Name: eventClose, Src: []string{StateIdle, StateAwaiting}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": after,
		},
	)
}

// Begin marks op as the outstanding request.
func (s *Session) Begin(op string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.fsm.Current() {
	case StateClosed:
		return ErrClosed
	case StateAwaiting:
		return errors.Wrapf(ErrBusy, "%s waiting on %s", op, s.op)
	}
	s.op = op
	return s.fsm.Event(eventBegin)
}

// End records that the response to the outstanding request was consumed.
func (s *Session) End() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	switch s.fsm.Current() {
	case StateClosed:
		return ErrClosed
	case StateIdle:
		return ErrIdle
	}
	err := s.fsm.Event(eventEnd)
	s.op = ""
	return err
}

// Close is irreversible and may be called repeatedly.
func (s *Session) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.fsm.Current() == StateClosed {
		return
	}
	if err := s.fsm.Event(eventClose); err != nil {
		panic(errors.Wrap(err, "session close"))
	}
}

func (s *Session) State() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.fsm.Current()
}

// Visualize returns the session graph in Graphviz dot format.
func Visualize() string {
	return fsm.Visualize(newFSM(func(*fsm.Event) {}))
}
