package call

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted     = errors.New("call: already started")
	ErrNotStarted         = errors.New("call: not started")
	ErrStopped            = errors.New("call: stopped")
	ErrRemoteHangup       = errors.New("call: remote hung up")
	ErrNegotiationTimeout = errors.New("call: negotiation timed out")
	ErrRoleConflict       = errors.New("call: both participants claim the same role")
)

// MediaAcquisitionError means local capture could not start: permission
// denied, no device, or the wait was cancelled. Start never proceeds past it.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("call: media acquisition failed: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// SignalingTransportError wraps a failure to open or write the signaling
// channel.
type SignalingTransportError struct {
	Op  string
	Err error
}

func (e *SignalingTransportError) Error() string {
	return fmt.Sprintf("call: signaling %s: %v", e.Op, e.Err)
}

func (e *SignalingTransportError) Unwrap() error { return e.Err }

// NegotiationError wraps a peer connection failure. It always ends the call.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("call: negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
