package entities

import (
	"errors"
	"fmt"
)

// ErrInterrupted signals a barge-in. It is a control event, not a failure.
var ErrInterrupted = errors.New("session turn aborted by interruption")

// ErrEndOfStream marks an orderly end of one side of the call
var ErrEndOfStream = errors.New("end of stream")

// HandshakeError reports missing, malformed or late call metadata
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return "handshake failed: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// FrameFormatError reports a wrong-sized or undecodable audio frame
type FrameFormatError struct {
	Size int
	Want int
	Err  error
}

func (e *FrameFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid audio frame: %v", e.Err)
	}
	return fmt.Sprintf("invalid audio frame: got %d bytes, want %d", e.Size, e.Want)
}

func (e *FrameFormatError) Unwrap() error { return e.Err }

// Side names one end of the bridge
type Side string

const (
	SideTelephony Side = "telephony"
	SideModel     Side = "model"
)

// TransportError reports a disconnect or I/O failure on one side
type TransportError struct {
	Side Side
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s failed: %v", e.Side, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ModelProtocolError reports an unexpected or malformed model event
type ModelProtocolError struct {
	Reason string
	Err    error
}

func (e *ModelProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model protocol error: %s: %v", e.Reason, e.Err)
	}
	return "model protocol error: " + e.Reason
}

func (e *ModelProtocolError) Unwrap() error { return e.Err }

// IsFatal reports whether err terminates a session as a failure regardless
// of how far the call progressed.
func IsFatal(err error) bool {
	var frameErr *FrameFormatError
	var protoErr *ModelProtocolError
	var handshakeErr *HandshakeError
	return errors.As(err, &frameErr) || errors.As(err, &protoErr) || errors.As(err, &handshakeErr)
}
