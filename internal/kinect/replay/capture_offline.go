//go:build !pcap
// +build !pcap

package replay

import (
	"fmt"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// OpenCapture opens a classic pcap file with the pure Go reader. Build with
// the pcap tag to read pcapng files through libpcap.
func OpenCapture(pcapFile string, port int) (PacketSource, error) {
	f, err := os.Open(pcapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header of %s: %w", pcapFile, err)
	}
	return &tcpPayloadSource{
		data:     r,
		linkType: r.LinkType(),
		port:     layers.TCPPort(port),
		closer:   func() { f.Close() },
	}, nil
}
