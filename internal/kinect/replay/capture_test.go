package replay

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/testutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedSegment struct {
	srcPort, dstPort int
	payload          []byte
	at               time.Time
}

// writeCapture writes Ethernet/IPv4/TCP segments to a classic pcap file.
func writeCapture(t *testing.T, segments []capturedSegment) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kinect.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, seg := range segments {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IPv4(192, 168, 1, 20),
			DstIP:    net.IPv4(192, 168, 1, 10),
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(seg.srcPort),
			DstPort: layers.TCPPort(seg.dstPort),
			Seq:     uint32(1000 + i),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(seg.payload)))

		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     seg.at,
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return path
}

func TestOpenCapture_FiltersToReceiverPort(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	path := writeCapture(t, []capturedSegment{
		{srcPort: 50000, dstPort: 8888, payload: []byte("frame-part-1"), at: base},
		{srcPort: 8888, dstPort: 50000, payload: []byte("ack-data"), at: base.Add(time.Millisecond)},
		{srcPort: 50000, dstPort: 8888, payload: nil, at: base.Add(2 * time.Millisecond)},
		{srcPort: 50000, dstPort: 9999, payload: []byte("other"), at: base.Add(3 * time.Millisecond)},
		{srcPort: 50000, dstPort: 8888, payload: []byte("frame-part-2"), at: base.Add(4 * time.Millisecond)},
	})

	src, err := OpenCapture(path, 8888)
	require.NoError(t, err)
	defer src.Close()

	p1, err := src.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, "frame-part-1", string(p1.Payload))
	assert.True(t, base.Equal(p1.Timestamp))

	p2, err := src.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, "frame-part-2", string(p2.Payload))
	assert.Equal(t, 4*time.Millisecond, p2.Timestamp.Sub(p1.Timestamp))

	_, err = src.NextPacket()
	assert.Error(t, err)
}

func TestOpenCapture_MissingFile(t *testing.T) {
	_, err := OpenCapture(filepath.Join(t.TempDir(), "missing.pcap"), 8888)
	assert.Error(t, err)
}

func TestReplayPCAP_ThroughSender(t *testing.T) {
	testutil.MuteLogs(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	frame := testutil.PatternFrame(48, 7)
	path := writeCapture(t, []capturedSegment{
		{srcPort: 50000, dstPort: 8888, payload: frame[:20], at: base},
		{srcPort: 50000, dstPort: 8888, payload: frame[20:], at: base.Add(2 * time.Millisecond)},
	})

	sk := newSink(t)
	s, err := NewSender(SenderConfig{Address: sk.ln.Addr().String()})
	require.NoError(t, err)
	require.NoError(t, s.Dial(context.Background()))

	res, err := ReplayPCAP(context.Background(), path, 8888, s, ReplayConfig{NoDelay: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Packets)
	assert.Equal(t, int64(48), res.Bytes)
	assert.Equal(t, int64(2), s.Stats().Writes)

	require.NoError(t, s.Close())
	assert.Equal(t, frame, sk.wait(t))
}
