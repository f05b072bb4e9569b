package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is one TCP payload taken from a capture.
type Packet struct {
	Payload   []byte
	Timestamp time.Time
}

// PacketSource yields captured payloads in order and io.EOF at the end.
type PacketSource interface {
	NextPacket() (Packet, error)
	Close() error
}

// SlicePacketSource replays a fixed list of packets.
type SlicePacketSource struct {
	Packets []Packet
	next    int
}

func (s *SlicePacketSource) NextPacket() (Packet, error) {
	if s.next >= len(s.Packets) {
		return Packet{}, io.EOF
	}
	p := s.Packets[s.next]
	s.next++
	return p, nil
}

func (s *SlicePacketSource) Close() error { return nil }

// ReplayConfig controls capture replay timing.
type ReplayConfig struct {
	// SpeedMultiplier scales capture timing (2.0 replays twice as fast).
	// Zero or negative means 1.0.
	SpeedMultiplier float64
	// NoDelay sends packets back to back, ignoring capture timing.
	NoDelay bool
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets  int
	Bytes    int64
	Duration time.Duration
}

// ReplayPackets writes every payload from src to w, sleeping between
// packets for the capture-time gap divided by the speed multiplier.
// Payload boundaries are preserved as separate writes.
func ReplayPackets(ctx context.Context, src PacketSource, w io.Writer, cfg ReplayConfig) (ReplayResult, error) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}

	var result ReplayResult
	start := time.Now()
	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		pkt, err := src.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("reading packet %d: %w", result.Packets+1, err)
		}

		if !cfg.NoDelay && !last.IsZero() {
			if delay := time.Duration(float64(pkt.Timestamp.Sub(last)) / cfg.SpeedMultiplier); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					result.Duration = time.Since(start)
					return result, ctx.Err()
				case <-timer.C:
				}
			}
		}
		last = pkt.Timestamp

		n, err := w.Write(pkt.Payload)
		result.Bytes += int64(n)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("writing packet %d: %w", result.Packets+1, err)
		}
		result.Packets++
	}

	result.Duration = time.Since(start)
	monitoring.Logf("[Replay] Capture replay complete: %d packets, %d bytes in %v (speed: %.1fx)",
		result.Packets, result.Bytes, result.Duration.Round(time.Millisecond), cfg.SpeedMultiplier)
	return result, nil
}

// ReplayPCAP replays the client-to-receiver TCP payloads for port found in
// a capture file through w.
func ReplayPCAP(ctx context.Context, pcapFile string, port int, w io.Writer, cfg ReplayConfig) (ReplayResult, error) {
	src, err := OpenCapture(pcapFile, port)
	if err != nil {
		return ReplayResult{}, err
	}
	defer src.Close()
	return ReplayPackets(ctx, src, w, cfg)
}

// tcpPayloadSource decodes link-layer packets and keeps non-empty TCP
// payloads sent to port.
type tcpPayloadSource struct {
	data     gopacket.PacketDataSource
	linkType layers.LinkType
	port     layers.TCPPort
	closer   func()
}

func (s *tcpPayloadSource) NextPacket() (Packet, error) {
	for {
		data, ci, err := s.data.ReadPacketData()
		if err != nil {
			return Packet{}, err
		}
		packet := gopacket.NewPacket(data, s.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			continue
		}
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || tcp.DstPort != s.port || len(tcp.Payload) == 0 {
			continue
		}
		return Packet{Payload: tcp.Payload, Timestamp: ci.Timestamp}, nil
	}
}

func (s *tcpPayloadSource) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
