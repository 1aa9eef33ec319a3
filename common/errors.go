package common

import (
	"errors"
	"fmt"
)

// Sentinel errors every package in this module branches on. Wrapping with
// fmt.Errorf("...: %w", ErrX) keeps the sentinel discoverable via
// errors.Is while still attaching call-site context to the message.
var (
	// ErrStreamDoesNotExist means the broker has no knowledge of the
	// requested stream.
	ErrStreamDoesNotExist = errors.New("stream does not exist")
	// ErrStreamNotAvailable means the stream exists but has no broker that
	// can currently serve it (e.g. between leader elections).
	ErrStreamNotAvailable = errors.New("stream not available")
	// ErrAccessRefused means the broker rejected the request on
	// authorization grounds.
	ErrAccessRefused = errors.New("access refused")
	// ErrIllegalState means the broker returned a response that is
	// self-contradictory for the operation being performed (for example, a
	// metadata response reporting success with neither a leader nor any
	// replica for the stream).
	ErrIllegalState = errors.New("illegal state")
	// ErrTimeout means an RPC against the external Client did not complete
	// within its configured deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrDisconnected means the underlying connection was lost while an
	// operation against it was outstanding or pending.
	ErrDisconnected = errors.New("client disconnected")
	// ErrClosed means the call was made against a coordinator, manager, or
	// tracker that has already been closed.
	ErrClosed = errors.New("already closed")
)

// WrapStreamDoesNotExist wraps ErrStreamDoesNotExist with the stream name.
func WrapStreamDoesNotExist(stream string) error {
	return fmt.Errorf("%w: %s", ErrStreamDoesNotExist, stream)
}

// WrapStreamNotAvailable wraps ErrStreamNotAvailable with the stream name.
func WrapStreamNotAvailable(stream string) error {
	return fmt.Errorf("%w: %s", ErrStreamNotAvailable, stream)
}

// WrapAccessRefused wraps ErrAccessRefused with the stream name.
func WrapAccessRefused(stream string) error {
	return fmt.Errorf("%w: %s", ErrAccessRefused, stream)
}

// WrapIllegalState wraps ErrIllegalState with a free-form detail message.
func WrapIllegalState(detail string) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, detail)
}

// WrapTimeout wraps ErrTimeout with a free-form detail message.
func WrapTimeout(detail string) error {
	return fmt.Errorf("%w: %s", ErrTimeout, detail)
}

// WrapDisconnected wraps ErrDisconnected with a free-form detail message.
func WrapDisconnected(detail string) error {
	return fmt.Errorf("%w: %s", ErrDisconnected, detail)
}
