//go:build pcap
// +build pcap

package replay

import (
	"fmt"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// OpenCapture opens a capture file through libpcap, filtered to TCP traffic
// sent to port.
func OpenCapture(pcapFile string, port int) (PacketSource, error) {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}

	filterStr := fmt.Sprintf("tcp dst port %d", port)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	monitoring.Logf("[Replay] BPF filter set: %s", filterStr)

	return &tcpPayloadSource{
		data:     handle,
		linkType: handle.LinkType(),
		port:     layers.TCPPort(port),
		closer:   handle.Close,
	}, nil
}
