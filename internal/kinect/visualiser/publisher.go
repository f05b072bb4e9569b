// Package visualiser fans completed Kinect frames out to gRPC streaming
// clients so several viewers can consume one sensor connection.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
	"github.com/banshee-data/kinect.receiver/internal/monitoring"
)

// maxMsgSize fits a full-resolution point cloud frame.
const maxMsgSize = 16 * 1024 * 1024 // 16 MB

// Config holds configuration for the frame stream gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientQueue is the per-client frame buffer; a full queue drops frames
	ClientQueue int

	// BytesPerFrame is advertised to clients in the stream header
	BytesPerFrame int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "localhost:50061",
		MaxClients:  5,
		ClientQueue: 10,
	}
}

// Frame is one published frame. Data is owned by the publisher and shared
// read-only between clients.
type Frame struct {
	Sequence  uint64
	Timestamp time.Time
	Data      []byte
}

// FrameSource is the part of *network.Receiver the publisher subscribes to.
type FrameSource interface {
	OnFrameComplete(fn func()) network.ListenerHandle
	CurrentFrame() []byte
	LastFrameInfo() network.FrameInfo
}

// Publisher manages the gRPC server and frame streaming.
type Publisher struct {
	config Config

	// mu guards server and listener, which Serve sets after construction.
	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener

	// Frame broadcasting
	frameChan chan *Frame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	// Stats
	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	// Lifecycle
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id      string
	frameCh chan *Frame
	doneCh  chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = def.ClientQueue
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *Frame, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start binds ListenAddr and serves the FrameStream service.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the FrameStream service on an existing listener.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterService(server, NewServer(p))
	p.mu.Lock()
	p.listener = lis
	p.server = server
	p.mu.Unlock()

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[FrameStream] gRPC server listening on %s", lis.Addr())
		if err := server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[FrameStream] gRPC server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.stopOnce.Do(func() {
		p.running.Store(false)
		close(p.stopCh)

		p.mu.Lock()
		server, lis := p.server, p.listener
		p.mu.Unlock()
		if server != nil {
			server.GracefulStop()
		}
		if lis != nil {
			lis.Close()
		}

		p.wg.Wait()
		monitoring.Logf("[FrameStream] gRPC server stopped")
	})
}

// Attach publishes every frame src completes. The frame is copied inside the
// callback, while the receiver's buffer is still stable.
func (p *Publisher) Attach(src FrameSource) network.ListenerHandle {
	return src.OnFrameComplete(func() {
		info := src.LastFrameInfo()
		p.Publish(info.Sequence, info.CompletedAt, src.CurrentFrame())
	})
}

// Publish copies data and queues it for all connected clients. It never
// blocks; when the queue is full the frame is dropped and counted.
func (p *Publisher) Publish(seq uint64, ts time.Time, data []byte) {
	if !p.running.Load() {
		return
	}
	frame := &Frame{Sequence: seq, Timestamp: ts, Data: append([]byte(nil), data...)}

	queueDepth := len(p.frameChan)
	if queueDepth > cap(p.frameChan)/2 {
		monitoring.Debugf("[FrameStream] WARNING: Frame queue depth high: %d/%d", queueDepth, cap(p.frameChan))
	}

	select {
	case p.frameChan <- frame:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, queueDepth)
	default:
		dropped := p.droppedFrames.Add(1)
		monitoring.Logf("[FrameStream] DROPPED frame %d (total dropped: %d), channel full", seq, dropped)
	}
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats(frameCount uint64, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		framesInInterval := frameCount - p.lastFrameCount
		fps := float64(framesInInterval) / elapsed.Seconds()
		monitoring.Logf("[FrameStream] Stats: fps=%.1f frames=%d dropped=%d clients=%d queue=%d/%d",
			fps, framesInInterval, p.droppedFrames.Load(), p.clientCount.Load(), queueDepth, cap(p.frameChan))
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					// Client is slow, drop frame for this client.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client, or returns false when
// MaxClients are already connected.
func (p *Publisher) addClient() (*clientStream, bool) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, false
	}

	id := fmt.Sprintf("stream-%d", p.nextID.Add(1))
	client := &clientStream{
		id:      id,
		frameCh: make(chan *Frame, p.config.ClientQueue),
		doneCh:  make(chan struct{}),
	}
	p.clients[id] = client
	p.clientCount.Add(1)
	monitoring.Logf("[FrameStream] Client connected: %s (total: %d)", id, p.clientCount.Load())
	return client, true
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	client, ok := p.clients[id]
	if !ok {
		return
	}
	close(client.doneCh)
	delete(p.clients, id)
	p.clientCount.Add(-1)
	monitoring.Logf("[FrameStream] Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// GRPCServer returns the underlying gRPC server.
func (p *Publisher) GRPCServer() *grpc.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}
