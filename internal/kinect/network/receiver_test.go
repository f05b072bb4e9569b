package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/timeutil"
)

const waitFor = 2 * time.Second

type receiverHarness struct {
	t           *testing.T
	rx          *Receiver
	listener    *MockStreamListener
	clock       *timeutil.MockClock
	frames      chan []byte
	connects    chan net.Addr
	disconnects chan error
	runErr      chan error
	cancel      context.CancelFunc
}

func newReceiverHarness(t *testing.T, bytesPerFrame int, stats FrameStatsInterface) *receiverHarness {
	t.Helper()

	listener := NewMockStreamListener()
	factory := NewMockListenerFactory(listener)
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	rx, err := NewReceiver(ReceiverConfig{
		Address:       "127.0.0.1",
		Port:          8888,
		BytesPerFrame: bytesPerFrame,
		Factory:       factory,
		Clock:         clock,
		Stats:         stats,
	})
	require.NoError(t, err)

	h := &receiverHarness{
		t:           t,
		rx:          rx,
		listener:    listener,
		clock:       clock,
		frames:      make(chan []byte, 32),
		connects:    make(chan net.Addr, 8),
		disconnects: make(chan error, 8),
		runErr:      make(chan error, 1),
	}
	rx.OnFrameComplete(func() {
		h.frames <- append([]byte(nil), rx.CurrentFrame()...)
	})
	rx.OnClientConnected(func(a net.Addr) { h.connects <- a })
	rx.OnClientDisconnected(func(err error) { h.disconnects <- err })

	require.NoError(t, rx.Start())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	runDone := make(chan struct{})
	go func() {
		h.runErr <- rx.Run(ctx)
		close(runDone)
	}()

	t.Cleanup(func() {
		cancel()
		rx.Stop()
		select {
		case <-runDone:
		case <-time.After(waitFor):
			t.Error("Run did not return during cleanup")
		}
	})
	return h
}

func (h *receiverHarness) nextFrame() []byte {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (h *receiverHarness) nextDisconnect() error {
	h.t.Helper()
	select {
	case err := <-h.disconnects:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for disconnect")
		return nil
	}
}

func (h *receiverHarness) expectNoFrame() {
	h.t.Helper()
	select {
	case f := <-h.frames:
		h.t.Fatalf("unexpected frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// tick delivers one control loop tick, waiting for the connection's ticker.
func (h *receiverHarness) tick() {
	h.t.Helper()
	require.Eventually(h.t, h.clock.Tick, waitFor, time.Millisecond)
}

func TestNewReceiver_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config ReceiverConfig
	}{
		{"zero frame size", ReceiverConfig{BytesPerFrame: 0}},
		{"negative frame size", ReceiverConfig{BytesPerFrame: -4}},
		{"bad port", ReceiverConfig{BytesPerFrame: 4, Port: 70000}},
		{"negative fps", ReceiverConfig{BytesPerFrame: 4, ExpectedFramesPerSecond: -1}},
		{"poll slower than frame", ReceiverConfig{BytesPerFrame: 4, ExpectedFramesPerSecond: 30, PollInterval: 50 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rx, err := NewReceiver(tt.config)
			assert.Error(t, err)
			assert.Nil(t, rx)
		})
	}
}

func TestNewReceiver_Defaults(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{Address: "127.0.0.1", Port: 8888, BytesPerFrame: 1500000})
	require.NoError(t, err)

	if rx.address != "127.0.0.1:8888" {
		t.Errorf("Expected address '127.0.0.1:8888', got '%s'", rx.address)
	}
	if rx.pollInterval != DefaultPollInterval {
		t.Errorf("Expected default poll interval %v, got %v", DefaultPollInterval, rx.pollInterval)
	}
	if _, ok := rx.stats.(noopStats); !ok {
		t.Error("Expected default noop stats")
	}
	if _, ok := rx.factory.(*RealListenerFactory); !ok {
		t.Error("Expected real listener factory by default")
	}
	// 1.1 frame periods at 30 fps
	assert.InDelta(t, 36.67, float64(rx.lateThreshold)/float64(time.Millisecond), 0.01)
	assert.Equal(t, StateDisconnected, rx.State())
	assert.False(t, rx.Connected())
	assert.Nil(t, rx.Addr())
}

func TestReceiver_CurrentFrameZeroBeforeFirstFrame(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{BytesPerFrame: 16, Factory: NewMockListenerFactory(NewMockStreamListener())})
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 16), rx.CurrentFrame())
	assert.Equal(t, make([]byte, 16), rx.CopyCurrentFrame())
	assert.Equal(t, FrameInfo{}, rx.LastFrameInfo())
}

func TestReceiver_StartBindError(t *testing.T) {
	factory := &MockListenerFactory{Error: errors.New("address already in use")}
	rx, err := NewReceiver(ReceiverConfig{Address: "127.0.0.1", Port: 8888, BytesPerFrame: 4, Factory: factory})
	require.NoError(t, err)

	err = rx.Start()
	require.Error(t, err)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "127.0.0.1:8888", bindErr.Address)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, []MockListenCall{{Network: "tcp4", Address: "127.0.0.1:8888"}}, factory.ListenCalls)
}

func TestReceiver_RunRequiresStart(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{BytesPerFrame: 4, Factory: NewMockListenerFactory(NewMockStreamListener())})
	require.NoError(t, err)

	assert.ErrorIs(t, rx.Run(context.Background()), ErrNotStarted)
}

func TestReceiver_StartTwice(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{BytesPerFrame: 4, Factory: NewMockListenerFactory(NewMockStreamListener())})
	require.NoError(t, err)

	require.NoError(t, rx.Start())
	assert.ErrorIs(t, rx.Start(), ErrAlreadyStarted)
	assert.Equal(t, "127.0.0.1:8888", rx.Addr().String())
	rx.Stop()
}

func TestReceiver_FragmentedFrame(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	conn := NewMockStreamConn(
		MockRead{Data: []byte{0x01, 0x02}},
		MockRead{Data: []byte{0x03}},
		MockRead{Data: []byte{0x04}},
	)
	h.listener.Connect(conn)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, h.nextFrame())
	// Each follow-up read asks for exactly the remainder.
	if diff := cmp.Diff([]int{4, 2, 1}, conn.Requested()); diff != "" {
		t.Errorf("read sizes mismatch (-want +got):\n%s", diff)
	}

	info := h.rx.LastFrameInfo()
	assert.Equal(t, uint64(1), info.Sequence)
	assert.Equal(t, 3, info.Fragments)
	assert.Equal(t, 4, info.Bytes)
	assert.True(t, h.rx.Connected())
}

func TestReceiver_SingleChunkFrame(t *testing.T) {
	h := newReceiverHarness(t, 1024, nil)

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	conn := NewMockStreamConn(MockRead{Data: payload})
	h.listener.Connect(conn)

	assert.Equal(t, payload, h.nextFrame())
	assert.Equal(t, []int{1024}, conn.Requested())
	assert.Equal(t, 1, h.rx.LastFrameInfo().Fragments)
}

func TestReceiver_ByteAtATime(t *testing.T) {
	const n = 64
	h := newReceiverHarness(t, n, nil)

	want := make([]byte, n)
	reads := make([]MockRead, n)
	for i := range reads {
		want[i] = byte(i)
		reads[i] = MockRead{Data: []byte{byte(i)}}
	}
	conn := NewMockStreamConn(reads...)
	h.listener.Connect(conn)

	assert.Equal(t, want, h.nextFrame())
	assert.Equal(t, n, h.rx.LastFrameInfo().Fragments)

	requested := conn.Requested()
	require.Len(t, requested, n)
	for i, got := range requested {
		assert.Equal(t, n-i, got, "read %d", i)
	}
}

func TestReceiver_NextFrameWaitsForTick(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	conn := NewMockStreamConn(
		MockRead{Data: []byte{1, 1, 1, 1}},
		MockRead{Data: []byte{2, 2, 2, 2}},
	)
	h.listener.Connect(conn)

	assert.Equal(t, []byte{1, 1, 1, 1}, h.nextFrame())
	h.expectNoFrame()
	assert.Len(t, conn.Requested(), 1)

	h.tick()
	assert.Equal(t, []byte{2, 2, 2, 2}, h.nextFrame())
	assert.Equal(t, uint64(2), h.rx.LastFrameInfo().Sequence)
}

func TestReceiver_TickDuringFrameDoesNotRearm(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	conn := NewMockStreamConn(MockRead{Data: []byte{9, 9}})
	h.listener.Connect(conn)

	require.Eventually(t, func() bool { return len(conn.Requested()) == 2 }, waitFor, time.Millisecond)
	h.tick()
	conn.Feed(MockRead{Data: []byte{8, 8}})
	assert.Equal(t, []byte{9, 9, 8, 8}, h.nextFrame())

	// The tick above landed mid-frame, so no new read is issued yet.
	conn.Feed(MockRead{Data: []byte{7, 7, 7, 7}})
	h.expectNoFrame()
	assert.Equal(t, []int{4, 2}, conn.Requested())

	h.tick()
	assert.Equal(t, []byte{7, 7, 7, 7}, h.nextFrame())
}

func TestReceiver_ZeroByteReadMidFrame(t *testing.T) {
	for _, at := range []int{512, 1023} {
		t.Run("after "+formatWithCommas(int64(at)), func(t *testing.T) {
			stats := NewFrameStats()
			h := newReceiverHarness(t, 1024, stats)

			first := NewMockStreamConn(
				MockRead{Data: bytes.Repeat([]byte{0x11}, at)},
				MockRead{},
			)
			h.listener.Connect(first)

			assert.ErrorIs(t, h.nextDisconnect(), ErrZeroByteRead)
			h.expectNoFrame()
			assert.True(t, first.Closed())
			assert.False(t, h.rx.Connected())
			assert.Equal(t, StateDisconnected, h.rx.State())
			// A partial frame never becomes visible.
			assert.Equal(t, make([]byte, 1024), h.rx.CopyCurrentFrame())

			payload := bytes.Repeat([]byte{0x22}, 1024)
			second := NewMockStreamConn(MockRead{Data: payload})
			h.listener.Connect(second)

			assert.Equal(t, payload, h.nextFrame())
			assert.Equal(t, 2, h.listener.Accepts())

			totals := stats.Totals()
			assert.Equal(t, int64(2), totals.Connects)
			assert.Equal(t, int64(1), totals.Disconnects)
			assert.Equal(t, int64(1), totals.Frames)
		})
	}
}

func TestReceiver_ReadErrorDisconnects(t *testing.T) {
	h := newReceiverHarness(t, 8, nil)

	reset := errors.New("connection reset by peer")
	conn := NewMockStreamConn(
		MockRead{Data: []byte{1, 2, 3}},
		MockRead{Err: reset},
	)
	h.listener.Connect(conn)

	err := h.nextDisconnect()
	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, reset)
	assert.True(t, IsDisconnect(err))
	h.expectNoFrame()
}

func TestReceiver_FrameWithEOF(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	conn := NewMockStreamConn(MockRead{Data: []byte{5, 6, 7, 8}, Err: io.EOF})
	h.listener.Connect(conn)

	assert.Equal(t, []byte{5, 6, 7, 8}, h.nextFrame())
	assert.ErrorIs(t, h.nextDisconnect(), ErrZeroByteRead)
}

func TestReceiver_ClientConnectedListener(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	conn := NewMockStreamConn()
	h.listener.Connect(conn)

	select {
	case addr := <-h.connects:
		assert.Equal(t, conn.Remote, addr)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connect")
	}
	require.Eventually(t, func() bool { return h.rx.State() == StateReceiving }, waitFor, time.Millisecond)
	assert.True(t, h.rx.Connected())
	assert.Equal(t, conn.Remote, h.rx.Client().Remote)
}

func TestReceiver_ListenersCalledInOrder(t *testing.T) {
	h := newReceiverHarness(t, 2, nil)

	var mu sync.Mutex
	var calls []int
	record := func(id int) func() {
		return func() {
			mu.Lock()
			calls = append(calls, id)
			mu.Unlock()
		}
	}
	h.rx.OnFrameComplete(record(1))
	second := h.rx.OnFrameComplete(record(2))
	h.rx.OnFrameComplete(record(3))
	assert.Equal(t, ListenerHandle(0), h.rx.OnFrameComplete(nil))

	conn := NewMockStreamConn(MockRead{Data: []byte{1, 2}})
	h.listener.Connect(conn)
	h.nextFrame()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}
	require.Eventually(t, func() bool { return count() == 3 }, waitFor, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, calls)
	calls = nil
	mu.Unlock()

	assert.True(t, h.rx.RemoveFrameListener(second))
	assert.False(t, h.rx.RemoveFrameListener(second))

	conn.Feed(MockRead{Data: []byte{3, 4}})
	h.tick()
	h.nextFrame()
	require.Eventually(t, func() bool { return count() == 2 }, waitFor, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 3}, calls)
	mu.Unlock()
}

func TestReceiver_LateFrame(t *testing.T) {
	stats := NewFrameStats()
	h := newReceiverHarness(t, 4, stats)

	conn := NewMockStreamConn(MockRead{Data: []byte{1, 2}})
	h.listener.Connect(conn)
	require.Eventually(t, func() bool { return len(conn.Requested()) == 2 }, waitFor, time.Millisecond)

	h.clock.Advance(40 * time.Millisecond)
	conn.Feed(MockRead{Data: []byte{3, 4}})
	h.nextFrame()

	info := h.rx.LastFrameInfo()
	assert.True(t, info.Late)
	assert.Equal(t, 40*time.Millisecond, info.ReceiveDuration)
	assert.Equal(t, int64(1), stats.Totals().LateFrames)
}

func TestReceiver_StopDuringRead(t *testing.T) {
	h := newReceiverHarness(t, 8, nil)

	conn := NewMockStreamConn(MockRead{Data: []byte{1, 2, 3}})
	h.listener.Connect(conn)
	require.Eventually(t, func() bool { return len(conn.Requested()) == 2 }, waitFor, time.Millisecond)

	require.NoError(t, h.rx.Stop())
	assert.NoError(t, h.rx.Stop())

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
	assert.ErrorIs(t, h.nextDisconnect(), ErrReceiverStopped)
	assert.True(t, conn.Closed())
	assert.True(t, h.listener.Closed())
	h.expectNoFrame()
	assert.ErrorIs(t, h.rx.Start(), ErrReceiverStopped)
}

func TestReceiver_NoListenersAfterStop(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	stopped := make(chan struct{})
	h.rx.OnFrameComplete(func() {
		// Stop from inside a callback; later listeners still see this frame.
		h.rx.Stop()
		close(stopped)
	})

	conn := NewMockStreamConn(MockRead{Data: []byte{1, 2, 3, 4}})
	h.listener.Connect(conn)
	h.nextFrame()
	<-stopped

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
	conn.Feed(MockRead{Data: []byte{5, 6, 7, 8}})
	h.expectNoFrame()
}

func TestReceiver_ContextCancel(t *testing.T) {
	h := newReceiverHarness(t, 4, nil)

	h.cancel()
	select {
	case err := <-h.runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, h.listener.Closed())
}

func TestReceiver_TCPLoopback(t *testing.T) {
	const frameSize = 4096

	rx, err := NewReceiver(ReceiverConfig{
		Address:       "127.0.0.1",
		Port:          0,
		BytesPerFrame: frameSize,
	})
	require.NoError(t, err)
	require.NoError(t, rx.Start())

	frames := make(chan []byte, 4)
	rx.OnFrameComplete(func() { frames <- rx.CopyCurrentFrame() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	conn, err := net.Dial("tcp4", rx.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for f := 0; f < 2; f++ {
		payload := bytes.Repeat([]byte{byte(f + 1)}, frameSize)
		// Write in uneven pieces so the receiver sees fragmentation.
		for off := 0; off < frameSize; {
			end := off + 1000
			if end > frameSize {
				end = frameSize
			}
			_, err := conn.Write(payload[off:end])
			require.NoError(t, err)
			off = end
		}

		select {
		case got := <-frames:
			assert.Equal(t, payload, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", f)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestReceiver_RunReturnsAfterStopCompletes(t *testing.T) {
	for i := 0; i < 20; i++ {
		listener := NewMockStreamListener()
		rx, err := NewReceiver(ReceiverConfig{
			BytesPerFrame: 4,
			Factory:       NewMockListenerFactory(listener),
		})
		require.NoError(t, err)

		var stopped atomic.Bool
		rx.OnStopped(func() { stopped.Store(true) })
		require.NoError(t, rx.Start())

		conn := NewMockStreamConn()
		listener.Connect(conn)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- rx.Run(ctx) }()
		require.Eventually(t, func() bool { return rx.Connected() }, waitFor, time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(waitFor):
			t.Fatal("Run did not return after cancel")
		}

		// Everything Stop does has finished by the time Run returns.
		assert.True(t, stopped.Load(), "stop listeners ran before Run returned")
		assert.True(t, listener.Closed())
		assert.True(t, conn.Closed())
		monitoring.SetLogger(nil)
	}
}

func TestReceiver_StartStopListeners(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{BytesPerFrame: 4, Factory: NewMockListenerFactory(NewMockStreamListener())})
	require.NoError(t, err)

	var events []string
	rx.OnStarted(func(addr net.Addr) { events = append(events, "started "+addr.String()) })
	rx.OnStopped(func() { events = append(events, "stopped") })

	require.NoError(t, rx.Start())
	require.NoError(t, rx.Stop())
	require.NoError(t, rx.Stop())

	assert.Equal(t, []string{"started 127.0.0.1:8888", "stopped"}, events)
}

func TestReceiver_StopWithoutStartSkipsStopListeners(t *testing.T) {
	rx, err := NewReceiver(ReceiverConfig{BytesPerFrame: 4, Factory: NewMockListenerFactory(NewMockStreamListener())})
	require.NoError(t, err)

	called := false
	rx.OnStopped(func() { called = true })
	require.NoError(t, rx.Stop())
	assert.False(t, called)
}

type countingStats struct {
	noopStats
	logs atomic.Int32
}

func (s *countingStats) LogStats() { s.logs.Add(1) }

func TestReceiver_StatsLoggingUsesClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	stats := &countingStats{}
	rx, err := NewReceiver(ReceiverConfig{
		BytesPerFrame: 4,
		StatsInterval: 5 * time.Second,
		Stats:         stats,
		Clock:         clock,
		Factory:       NewMockListenerFactory(NewMockStreamListener()),
	})
	require.NoError(t, err)
	require.NoError(t, rx.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	// Only the stats ticker exists while no client is connected.
	require.Eventually(t, clock.Tick, waitFor, time.Millisecond)
	require.Eventually(t, clock.Tick, waitFor, time.Millisecond)
	assert.Eventually(t, func() bool { return stats.logs.Load() == 2 }, waitFor, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}
