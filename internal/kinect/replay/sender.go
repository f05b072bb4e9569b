package replay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/timeutil"
)

// ErrNotConnected is returned when writing before Dial or after Close.
var ErrNotConnected = errors.New("sender not connected")

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Address is the receiver's host:port.
	Address string
	// FramesPerSecond paces Run. Zero sends as fast as the socket allows.
	FramesPerSecond float64
	// FragmentSizes splits each frame into writes of these sizes, cycling
	// through the list. Empty writes each frame in one call.
	FragmentSizes []int
	// FragmentDelay pauses between the writes of one frame so they reach
	// the receiver as separate segments.
	FragmentDelay time.Duration
	DialTimeout   time.Duration
	Clock         timeutil.Clock
}

// SenderStats counts what a Sender has written.
type SenderStats struct {
	Frames int64
	Writes int64
	Bytes  int64
}

// Sender streams frames to a receiver over one TCP connection.
type Sender struct {
	config SenderConfig
	clock  timeutil.Clock

	mu    sync.Mutex
	conn  net.Conn
	stats SenderStats
	frag  int
}

// NewSender validates config and returns an unconnected Sender.
func NewSender(config SenderConfig) (*Sender, error) {
	if config.Address == "" {
		return nil, errors.New("sender address is required")
	}
	if config.FramesPerSecond < 0 {
		return nil, fmt.Errorf("frames per second must not be negative, got %g", config.FramesPerSecond)
	}
	for _, n := range config.FragmentSizes {
		if n <= 0 {
			return nil, fmt.Errorf("fragment sizes must be positive, got %d", n)
		}
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sender{config: config, clock: clock}, nil
}

// Dial connects to the receiver.
func (s *Sender) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp4", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.config.Address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Keep small fragments as separate segments.
		_ = tc.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.frag = 0
	s.mu.Unlock()
	monitoring.Logf("[Sender] Connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr())
	return nil
}

// Close closes the connection. The receiver sees a zero-byte read.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Stats returns the counters so far.
func (s *Sender) Stats() SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Write sends p as a single write, outside any framing.
func (s *Sender) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n, err := s.conn.Write(p)
	s.stats.Writes++
	s.stats.Bytes += int64(n)
	return n, err
}

// SendFrame writes one frame split per FragmentSizes.
func (s *Sender) SendFrame(frame []byte) error {
	sizes := s.config.FragmentSizes
	for off := 0; off < len(frame); {
		n := len(frame) - off
		if len(sizes) > 0 {
			s.mu.Lock()
			size := sizes[s.frag%len(sizes)]
			s.frag++
			s.mu.Unlock()
			n = min(n, size)
		}
		if _, err := s.Write(frame[off : off+n]); err != nil {
			return err
		}
		off += n
		if off < len(frame) && s.config.FragmentDelay > 0 {
			time.Sleep(s.config.FragmentDelay)
		}
	}

	s.mu.Lock()
	s.stats.Frames++
	s.mu.Unlock()
	return nil
}

// Run sends count frames from src, one per frame period. A count of zero
// runs until ctx ends.
func (s *Sender) Run(ctx context.Context, src FrameSource, count int) error {
	var tick <-chan time.Time
	if s.config.FramesPerSecond > 0 {
		period := time.Duration(float64(time.Second) / s.config.FramesPerSecond)
		ticker := s.clock.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C()
	}

	start := s.clock.Now()
	for sent := 0; count == 0 || sent < count; sent++ {
		if sent > 0 && tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.SendFrame(src.Next()); err != nil {
			return fmt.Errorf("frame %d: %w", sent+1, err)
		}
		monitoring.Debugf("[Sender] Sent frame %d (%d bytes)", sent+1, src.BytesPerFrame())
	}

	stats := s.Stats()
	monitoring.Logf("[Sender] Sent %d frames (%d bytes, %d writes) in %v",
		stats.Frames, stats.Bytes, stats.Writes, s.clock.Since(start).Round(time.Millisecond))
	return nil
}
