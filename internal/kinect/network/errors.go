package network

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroByteRead signals that the client closed the stream (a read
	// completed with no data). It takes the same recovery path as ReadError.
	ErrZeroByteRead = errors.New("zero-byte read from client")

	// ErrReceiverStopped is returned by Run after Stop and reported to
	// disconnect listeners when a client is dropped because of shutdown.
	ErrReceiverStopped = errors.New("receiver stopped")

	// ErrNotStarted is returned by Run when Start has not bound a listener.
	ErrNotStarted = errors.New("receiver not started")

	// ErrAlreadyStarted is returned by Start on a receiver that is already bound.
	ErrAlreadyStarted = errors.New("receiver already started")

	// ErrAlreadyRunning is returned when Run is called concurrently.
	ErrAlreadyRunning = errors.New("receiver control loop already running")
)

// BindError reports that the listening socket could not be created. It is the
// only fatal receiver error.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind frame receiver on %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ReadError wraps a transport failure that interrupted a frame. The receiver
// treats it as a disconnect and re-arms accept.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("frame read failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsDisconnect reports whether err is one of the recoverable disconnect reasons.
func IsDisconnect(err error) bool {
	var re *ReadError
	return errors.Is(err, ErrZeroByteRead) || errors.As(err, &re)
}
