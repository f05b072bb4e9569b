package network

import (
	"net"
	"time"
)

// FrameProvider is the consumer-facing view of a frame source. Decoders,
// the fan-out publisher and the web server depend on this rather than on
// *Receiver.
type FrameProvider interface {
	// CurrentFrame returns the last complete frame. The slice is owned by the
	// provider and is only stable for the duration of a frame listener
	// callback; retain a copy (CopyCurrentFrame) to keep it longer.
	CurrentFrame() []byte

	// CopyCurrentFrame returns a private copy of the last complete frame.
	CopyCurrentFrame() []byte

	// Connected reports whether a client is currently attached.
	Connected() bool

	// OnFrameComplete registers fn to run after every reassembled frame.
	OnFrameComplete(fn func()) ListenerHandle
}

// ConnState is the connection status of a receiver.
type ConnState int32

const (
	// StateDisconnected means no client is attached; accept is armed.
	StateDisconnected ConnState = iota
	// StateConnected means a client is attached and between frames.
	StateConnected
	// StateReceiving means a frame is partially accumulated.
	StateReceiving
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// FrameInfo describes the most recently completed frame.
type FrameInfo struct {
	Sequence        uint64        `json:"sequence"`
	CompletedAt     time.Time     `json:"completed_at"`
	ReceiveDuration time.Duration `json:"receive_duration_ns"`
	Fragments       int           `json:"fragments"`
	Bytes           int           `json:"bytes"`
	// Late is set when reassembly took longer than 1.1 frame periods.
	Late bool `json:"late"`
}

// ClientInfo describes the attached client.
type ClientInfo struct {
	Remote      net.Addr
	ConnectedAt time.Time
}
