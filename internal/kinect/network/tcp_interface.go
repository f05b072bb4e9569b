package network

import (
	"context"
	"net"
	"sync"
)

// StreamConn defines the operations the receiver needs from an accepted client.
// This abstraction enables unit testing without real network connections.
type StreamConn interface {
	// Read reads into b, returning the number of bytes delivered.
	Read(b []byte) (n int, err error)

	// Close closes the connection, unblocking any in-flight Read.
	Close() error

	// RemoteAddr returns the client's address.
	RemoteAddr() net.Addr
}

// StreamListener accepts client connections.
type StreamListener interface {
	// Accept blocks until a client connects or the listener is closed.
	Accept() (StreamConn, error)

	// Close stops listening.
	Close() error

	// Addr returns the bound address.
	Addr() net.Addr
}

// ListenerFactory creates listening sockets.
// This abstraction enables dependency injection of socket creation.
type ListenerFactory interface {
	// Listen binds network/address and returns a StreamListener.
	Listen(network, address string) (StreamListener, error)
}

// RealListenerFactory implements ListenerFactory on top of net.ListenConfig.
type RealListenerFactory struct {
	// ReceiveBufferBytes is applied as SO_RCVBUF on the listening socket
	// before listen(2) so that accepted sockets inherit it. Zero leaves the
	// kernel default.
	ReceiveBufferBytes int
}

// NewRealListenerFactory creates a RealListenerFactory.
func NewRealListenerFactory(rcvBuf int) *RealListenerFactory {
	return &RealListenerFactory{ReceiveBufferBytes: rcvBuf}
}

// Listen creates a new TCP listener.
func (f *RealListenerFactory) Listen(network, address string) (StreamListener, error) {
	lc := net.ListenConfig{Control: listenControl(f.ReceiveBufferBytes)}
	l, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	return &realListener{l: l}, nil
}

type realListener struct {
	l net.Listener
}

func (r *realListener) Accept() (StreamConn, error) {
	c, err := r.l.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *realListener) Close() error   { return r.l.Close() }
func (r *realListener) Addr() net.Addr { return r.l.Addr() }

// receiveBufferSize reports the effective SO_RCVBUF of a real listener, or -1
// when it cannot be determined.
func receiveBufferSize(l StreamListener) int {
	rl, ok := l.(*realListener)
	if !ok {
		return -1
	}
	tl, ok := rl.l.(*net.TCPListener)
	if !ok {
		return -1
	}
	sc, err := tl.SyscallConn()
	if err != nil {
		return -1
	}
	return socketReceiveBuffer(sc)
}

// MockRead is one scripted result for MockStreamConn.Read. A zero value
// (no data, no error) simulates a zero-byte read.
type MockRead struct {
	Data []byte
	Err  error
}

// MockStreamConn implements StreamConn for testing. Reads are served from a
// script; once the script is exhausted Read blocks until Feed or Close, the
// way an idle client would.
type MockStreamConn struct {
	reads     chan MockRead
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	pending   []byte
	requested []int

	// Remote is returned by RemoteAddr.
	Remote net.Addr
}

// NewMockStreamConn creates a MockStreamConn serving the given reads in order.
func NewMockStreamConn(reads ...MockRead) *MockStreamConn {
	m := &MockStreamConn{
		reads:  make(chan MockRead, len(reads)+64),
		closed: make(chan struct{}),
		Remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 50123},
	}
	for _, r := range reads {
		m.reads <- r
	}
	return m
}

// Feed appends a scripted read.
func (m *MockStreamConn) Feed(r MockRead) {
	m.reads <- r
}

// Read returns the next scripted fragment. Fragments longer than b are split
// across calls, as a TCP stream would deliver them.
func (m *MockStreamConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	m.requested = append(m.requested, len(b))
	if len(m.pending) > 0 {
		n := copy(b, m.pending)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	select {
	case <-m.closed:
		return 0, net.ErrClosed
	default:
	}

	select {
	case r := <-m.reads:
		n := copy(b, r.Data)
		if n < len(r.Data) {
			m.mu.Lock()
			m.pending = append(m.pending, r.Data[n:]...)
			m.mu.Unlock()
		}
		return n, r.Err
	case <-m.closed:
		return 0, net.ErrClosed
	}
}

// Close marks the connection closed and unblocks pending reads.
func (m *MockStreamConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close was called.
func (m *MockStreamConn) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Requested returns the buffer lengths passed to Read so far.
func (m *MockStreamConn) Requested() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.requested))
	copy(out, m.requested)
	return out
}

// RemoteAddr returns the mock remote address.
func (m *MockStreamConn) RemoteAddr() net.Addr {
	return m.Remote
}

// MockStreamListener implements StreamListener for testing. Connections
// handed to Connect are returned by Accept in order.
type MockStreamListener struct {
	conns     chan StreamConn
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	accepts int

	// LocalAddress is returned by Addr.
	LocalAddress net.Addr
}

// NewMockStreamListener creates an empty MockStreamListener.
func NewMockStreamListener() *MockStreamListener {
	return &MockStreamListener{
		conns:        make(chan StreamConn, 16),
		closed:       make(chan struct{}),
		LocalAddress: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8888},
	}
}

// Connect queues a client connection for Accept.
func (m *MockStreamListener) Connect(c StreamConn) {
	m.conns <- c
}

// Accept returns the next queued connection.
func (m *MockStreamListener) Accept() (StreamConn, error) {
	select {
	case <-m.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-m.conns:
		m.mu.Lock()
		m.accepts++
		m.mu.Unlock()
		return c, nil
	case <-m.closed:
		return nil, net.ErrClosed
	}
}

// Accepts returns how many connections were handed out.
func (m *MockStreamListener) Accepts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts
}

// Close stops the listener.
func (m *MockStreamListener) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Closed reports whether Close was called.
func (m *MockStreamListener) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Addr returns the mock local address.
func (m *MockStreamListener) Addr() net.Addr {
	return m.LocalAddress
}

// MockListenerFactory implements ListenerFactory for testing.
type MockListenerFactory struct {
	// Listener is returned from Listen.
	Listener *MockStreamListener
	// Error is returned by Listen if set.
	Error error
	// ListenCalls records all Listen calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to Listen.
type MockListenCall struct {
	Network string
	Address string
}

// NewMockListenerFactory creates a MockListenerFactory around listener.
func NewMockListenerFactory(listener *MockStreamListener) *MockListenerFactory {
	return &MockListenerFactory{Listener: listener}
}

// Listen returns the configured mock listener.
func (f *MockListenerFactory) Listen(network, address string) (StreamListener, error) {
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Address: address})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Listener, nil
}

var (
	_ StreamConn      = (*MockStreamConn)(nil)
	_ StreamListener  = (*MockStreamListener)(nil)
	_ ListenerFactory = (*MockListenerFactory)(nil)
	_ ListenerFactory = (*RealListenerFactory)(nil)
)
