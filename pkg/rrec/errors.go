package rrec

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is the cause of a TransportError returned after Close or after a
// fatal error has ended the session.
var ErrClosed = errors.New("client closed")

// TransportError means the pipe to the detector failed: spawn failure, a
// failed write, or output ending early. The session is over.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// ProtocolError means the detector sent something the wire format does not
// allow, so frame alignment is lost. The session is over.
type ProtocolError struct {
	Op      string
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ParameterError is returned before anything is written to the detector.
type ParameterError struct {
	Op     string
	Param  string
	Value  interface{}
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter error: %s: %s=%v: %s", e.Op, e.Param, e.Value, e.Reason)
}

// AlgorithmError carries a non-success response and the diagnostic line the
// detector sent with it. The session stays usable.
type AlgorithmError struct {
	Op      Opcode
	Code    ResponseCode
	Message string
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("%s: detector returned %s (%d): %s", e.Op, e.Code, int32(e.Code), e.Message)
}

// IsRecoverable reports whether the client can still be used after err.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return false
	}
	var protocolErr *ProtocolError
	return !errors.As(err, &protocolErr)
}
