// Package network implements the Azure Kinect frame receiver: a TCP server
// that accepts one client at a time and reassembles fixed-size frames from
// arbitrarily fragmented reads.
package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/timeutil"
)

const (
	// DefaultPollInterval is the control loop tick used between reads.
	DefaultPollInterval = time.Millisecond

	// DefaultFramesPerSecond matches the Azure Kinect's 30 Hz mode.
	DefaultFramesPerSecond = 30.0
)

// ReceiverConfig contains configuration options for the frame receiver.
type ReceiverConfig struct {
	Address                 string        // IPv4 bind address, e.g. "127.0.0.1"
	Port                    int           // TCP port; 0 picks an ephemeral port
	BytesPerFrame           int           // exact size of one frame as emitted by the sender
	ExpectedFramesPerSecond float64       // sender frame rate (default 30)
	PollInterval            time.Duration // control loop tick (default 1ms)
	ReceiveBufferBytes      int           // SO_RCVBUF for the listening socket (0 = kernel default)
	StatsInterval           time.Duration // how often Stats.LogStats runs (0 disables)
	LogFrameTimings         bool          // log reassembly time of every frame
	LogFirstFloat           bool          // log the first four bytes of every frame as float32
	Stats                   FrameStatsInterface
	Factory                 ListenerFactory
	Clock                   timeutil.Clock
}

// Receiver is a TCP server that reads fixed-size frames from a single client.
// One control loop goroutine (Run) owns every state transition; a reader
// goroutine per connection performs the blocking reads it requests.
type Receiver struct {
	address         string
	bytesPerFrame   int
	pollInterval    time.Duration
	lateThreshold   time.Duration
	statsInterval   time.Duration
	logFrameTimings bool
	logFirstFloat   bool
	stats           FrameStatsInterface
	factory         ListenerFactory
	clock           timeutil.Clock

	// receiveBuf is written only by the reader goroutine while a read
	// request is outstanding, and read only by the control loop otherwise.
	receiveBuf []byte

	frameMu      sync.RWMutex
	lastComplete []byte
	lastInfo     FrameInfo
	frameSeq     uint64

	frameListeners      ListenerRegistry[func()]
	connectListeners    ListenerRegistry[func(net.Addr)]
	disconnectListeners ListenerRegistry[func(error)]
	startListeners      ListenerRegistry[func(net.Addr)]
	stopListeners       ListenerRegistry[func()]

	state atomic.Int32

	mu       sync.Mutex
	listener StreamListener
	conn     StreamConn
	client   ClientInfo

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReceiver validates config and allocates the frame buffers.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.BytesPerFrame <= 0 {
		return nil, fmt.Errorf("bytes per frame must be positive, got %d", config.BytesPerFrame)
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("port must be between 0 and 65535, got %d", config.Port)
	}
	fps := config.ExpectedFramesPerSecond
	if fps == 0 {
		fps = DefaultFramesPerSecond
	}
	if fps < 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return nil, fmt.Errorf("expected frames per second must be positive, got %v", config.ExpectedFramesPerSecond)
	}
	framePeriod := time.Duration(float64(time.Second) / fps)

	poll := config.PollInterval
	if poll == 0 {
		poll = DefaultPollInterval
	}
	if poll < 0 || poll >= framePeriod {
		return nil, fmt.Errorf("poll interval %v must be positive and shorter than the frame period %v", poll, framePeriod)
	}

	// Reassembly that overruns the frame period by more than 10% is late.
	late := time.Duration(float64(framePeriod) * 1.1)
	if late < time.Millisecond {
		late = time.Millisecond
	}

	stats := config.Stats
	if stats == nil {
		stats = noopStats{}
	}
	factory := config.Factory
	if factory == nil {
		factory = NewRealListenerFactory(config.ReceiveBufferBytes)
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Receiver{
		address:         net.JoinHostPort(config.Address, strconv.Itoa(config.Port)),
		bytesPerFrame:   config.BytesPerFrame,
		pollInterval:    poll,
		lateThreshold:   late,
		statsInterval:   config.StatsInterval,
		logFrameTimings: config.LogFrameTimings,
		logFirstFloat:   config.LogFirstFloat,
		stats:           stats,
		factory:         factory,
		clock:           clock,
		receiveBuf:      make([]byte, config.BytesPerFrame),
		lastComplete:    make([]byte, config.BytesPerFrame),
		stopCh:          make(chan struct{}),
	}, nil
}

// Start binds the listening socket. A failure is returned as *BindError.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.isStopping() {
		r.mu.Unlock()
		return ErrReceiverStopped
	}
	if r.listener != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	l, err := r.factory.Listen("tcp4", r.address)
	if err != nil {
		r.mu.Unlock()
		return &BindError{Address: r.address, Err: err}
	}
	r.listener = l
	r.mu.Unlock()

	if size := receiveBufferSize(l); size > 0 {
		monitoring.Logf("[Receiver] Listening on %s (%d bytes per frame, receive buffer %d bytes)", l.Addr(), r.bytesPerFrame, size)
	} else {
		monitoring.Logf("[Receiver] Listening on %s (%d bytes per frame)", l.Addr(), r.bytesPerFrame)
	}
	addr := l.Addr()
	r.startListeners.Each(func(fn func(net.Addr)) { fn(addr) })
	return nil
}

// Addr returns the bound address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// BytesPerFrame returns the configured frame size.
func (r *Receiver) BytesPerFrame() int {
	return r.bytesPerFrame
}

// Run drives the accept/receive control loop until ctx is cancelled or Stop
// is called. Disconnects are handled internally and never end Run.
func (r *Receiver) Run(ctx context.Context) error {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()
	if listener == nil {
		return ErrNotStarted
	}
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	// Run returns only after Stop has completed and its helpers have exited.
	defer r.Stop()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopCh:
		}
	}()

	if r.statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.startStatsLogging(ctx)
		}()
	}

	for {
		if r.isStopping() {
			return r.exitErr(parent)
		}

		conn, err := listener.Accept()
		if err != nil {
			if r.isStopping() {
				return r.exitErr(parent)
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}
			monitoring.Logf("[Receiver] Accept error: %v", err)
			select {
			case <-r.stopCh:
			case <-time.After(r.pollInterval):
			}
			continue
		}

		r.serveClient(conn)
	}
}

func (r *Receiver) exitErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return nil
}

// Stop closes the listener and any client, cancelling an in-flight read. It is
// safe to call in any state and more than once; no frame listener fires once
// Stop has been called.
func (r *Receiver) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		started := r.listener != nil
		if started {
			err = r.listener.Close()
		}
		r.mu.Unlock()

		monitoring.Logf("[Receiver] Stopped")
		if started {
			r.stopListeners.Each(func(fn func()) { fn() })
		}
	})
	return err
}

func (r *Receiver) isStopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// serveClient runs one client session and returns only after the connection
// is fully torn down, so the next Accept always starts from a clean state.
func (r *Receiver) serveClient(conn StreamConn) {
	r.mu.Lock()
	if r.isStopping() {
		r.mu.Unlock()
		conn.Close()
		return
	}
	remote := conn.RemoteAddr()
	r.conn = conn
	r.client = ClientInfo{Remote: remote, ConnectedAt: r.clock.Now()}
	r.state.Store(int32(StateConnected))
	r.mu.Unlock()

	monitoring.Logf("[Receiver] Client connected from %v", remote)
	r.stats.AddConnect()
	r.connectListeners.Each(func(fn func(net.Addr)) { fn(remote) })

	reason := r.receive(conn)

	// receive has closed the socket and joined the reader; clear what is left.
	clear(r.receiveBuf)
	r.mu.Lock()
	r.conn = nil
	r.client = ClientInfo{}
	r.state.Store(int32(StateDisconnected))
	r.mu.Unlock()

	if errors.Is(reason, ErrReceiverStopped) {
		monitoring.Logf("[Receiver] Closed connection with %v", remote)
	} else {
		monitoring.Logf("[Receiver] Client %v disconnected: %v; accepting new client", remote, reason)
		r.stats.AddDisconnect(reason)
	}
	r.disconnectListeners.Each(func(fn func(error)) { fn(reason) })
}

type readRequest struct {
	offset int
	length int
}

type readCompletion struct {
	n   int
	err error
}

// readWorker performs one blocking Read per request. It only touches
// receiveBuf between receiving a request and posting its completion.
func (r *Receiver) readWorker(conn StreamConn, requests <-chan readRequest, completions chan<- readCompletion) {
	for req := range requests {
		n, err := conn.Read(r.receiveBuf[req.offset : req.offset+req.length])
		completions <- readCompletion{n: n, err: err}
	}
}

// receive runs the frame read state machine for one connection and returns
// the disconnect reason.
func (r *Receiver) receive(conn StreamConn) error {
	requests := make(chan readRequest)
	completions := make(chan readCompletion, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.readWorker(conn, requests, completions)
	}()
	defer func() {
		conn.Close()
		close(requests)
		wg.Wait()
	}()

	ticker := r.clock.NewTicker(r.pollInterval)
	defer ticker.Stop()

	fs := NewFrameState(r.bytesPerFrame)
	var frameStart time.Time
	fragments := 0

	issue := func() {
		offset, length := fs.Next()
		requests <- readRequest{offset: offset, length: length}
	}
	begin := func() {
		fs.Begin()
		frameStart = r.clock.Now()
		fragments = 0
		r.state.Store(int32(StateReceiving))
		monitoring.Debugf("[Receiver] Waiting for next frame")
		issue()
	}

	// The first frame is armed straight away; later ones wait for a tick.
	begin()

	for {
		select {
		case <-r.stopCh:
			return ErrReceiverStopped

		case <-ticker.C():
			if !fs.InProgress() {
				begin()
			}

		case c := <-completions:
			if r.isStopping() {
				return ErrReceiverStopped
			}
			if c.n > 0 {
				fragments++
				r.stats.AddFragment(c.n)
				accumulated := fs.Accumulated()
				if fs.Advance(c.n) {
					r.state.Store(int32(StateConnected))
					r.completeFrame(frameStart, fragments)
				} else if c.err == nil {
					monitoring.Debugf("[Receiver] Received %d bytes (%d/%d), waiting for the rest",
						c.n, accumulated+c.n, r.bytesPerFrame)
					issue()
					continue
				}
			}
			if c.n <= 0 || c.err != nil {
				if fs.InProgress() {
					monitoring.Debugf("[Receiver] Aborting frame after %d/%d bytes", fs.Accumulated(), r.bytesPerFrame)
				}
				fs.Abort()
				return disconnectReason(c)
			}
		}
	}
}

func disconnectReason(c readCompletion) error {
	if c.err == nil || errors.Is(c.err, io.EOF) {
		return ErrZeroByteRead
	}
	return &ReadError{Err: c.err}
}

// completeFrame publishes the receive buffer as the last complete frame and
// notifies listeners in registration order.
func (r *Receiver) completeFrame(start time.Time, fragments int) {
	now := r.clock.Now()
	elapsed := now.Sub(start)

	r.frameMu.Lock()
	copy(r.lastComplete, r.receiveBuf)
	r.frameSeq++
	info := FrameInfo{
		Sequence:        r.frameSeq,
		CompletedAt:     now,
		ReceiveDuration: elapsed,
		Fragments:       fragments,
		Bytes:           r.bytesPerFrame,
		Late:            elapsed > r.lateThreshold,
	}
	r.lastInfo = info
	r.frameMu.Unlock()

	r.stats.AddFrame(info)

	if r.logFrameTimings {
		monitoring.Logf("[Receiver] Received frame %d (%.1f microseconds, %d fragments)",
			info.Sequence, float64(elapsed)/float64(time.Microsecond), fragments)
	}
	if r.logFirstFloat && r.bytesPerFrame >= 4 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(r.lastComplete[:4]))
		monitoring.Logf("[Receiver] Frame %d value: %g", info.Sequence, v)
	}

	if r.isStopping() {
		return
	}
	r.frameListeners.Each(func(fn func()) { fn() })
}

// startStatsLogging periodically flushes the stats collector.
func (r *Receiver) startStatsLogging(ctx context.Context) {
	ticker := r.clock.NewTicker(r.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.stats.LogStats()
		}
	}
}

// CurrentFrame returns the last complete frame, zero-filled before the first
// one arrives. The slice is overwritten by every new frame; treat it as valid
// only inside a frame listener callback.
func (r *Receiver) CurrentFrame() []byte {
	return r.lastComplete
}

// CopyCurrentFrame returns a copy of the last complete frame that is safe to
// use from any goroutine.
func (r *Receiver) CopyCurrentFrame() []byte {
	r.frameMu.RLock()
	defer r.frameMu.RUnlock()
	out := make([]byte, len(r.lastComplete))
	copy(out, r.lastComplete)
	return out
}

// LastFrameInfo describes the last complete frame; the zero value before the
// first frame.
func (r *Receiver) LastFrameInfo() FrameInfo {
	r.frameMu.RLock()
	defer r.frameMu.RUnlock()
	return r.lastInfo
}

// Connected reports whether a client is attached.
func (r *Receiver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && ConnState(r.state.Load()) != StateDisconnected
}

// State returns the connection state.
func (r *Receiver) State() ConnState {
	return ConnState(r.state.Load())
}

// Client returns the attached client, or the zero value when disconnected.
func (r *Receiver) Client() ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// OnFrameComplete registers fn to run synchronously on the control loop after
// every reassembled frame. A nil fn is ignored and yields the zero handle.
func (r *Receiver) OnFrameComplete(fn func()) ListenerHandle {
	if fn == nil {
		return 0
	}
	monitoring.Debugf("[Receiver] Added frame listener")
	return r.frameListeners.Add(fn)
}

// RemoveFrameListener unregisters a frame listener.
func (r *Receiver) RemoveFrameListener(h ListenerHandle) bool {
	return r.frameListeners.Remove(h)
}

// OnClientConnected registers fn to run when a client is accepted.
func (r *Receiver) OnClientConnected(fn func(remote net.Addr)) ListenerHandle {
	if fn == nil {
		return 0
	}
	return r.connectListeners.Add(fn)
}

// OnClientDisconnected registers fn to run after a client has been torn down,
// with the reason (ErrZeroByteRead, *ReadError or ErrReceiverStopped).
func (r *Receiver) OnClientDisconnected(fn func(reason error)) ListenerHandle {
	if fn == nil {
		return 0
	}
	return r.disconnectListeners.Add(fn)
}

var _ FrameProvider = (*Receiver)(nil)

// OnStarted registers fn to run with the bound address each time Start
// succeeds.
func (r *Receiver) OnStarted(fn func(addr net.Addr)) ListenerHandle {
	return r.startListeners.Add(fn)
}

// OnStopped registers fn to run once when a started receiver is stopped.
func (r *Receiver) OnStopped(fn func()) ListenerHandle {
	return r.stopListeners.Add(fn)
}

// Stats returns the statistics collector in use.
func (r *Receiver) Stats() FrameStatsInterface {
	return r.stats
}
