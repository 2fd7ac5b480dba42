package port

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/datapath"
)

// DefaultSnapLen is the snap length written to new pcap files.
const DefaultSnapLen = 65535

// PcapSink writes every packet to a pcap stream. A tag held in VLAN
// acceleration metadata is written inline, as a NIC would transmit it.
type PcapSink struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

// NewPcapSink writes the file header to w and returns a sink writing to it.
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(DefaultSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	s := &PcapSink{w: pw}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// CreatePcapSink creates the file at path and returns a sink writing to it.
func CreatePcapSink(path string) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap sink: %w", err)
	}
	s, err := NewPcapSink(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// WireFrame returns the frame as it leaves the switch: a tag held in VLAN
// acceleration metadata is inserted after the Ethernet addresses. pkt.Data
// is returned unchanged when there is no such tag.
func WireFrame(pkt *core.Packet) []byte {
	data := pkt.Data
	if !pkt.HWVLANPresent || len(data) < core.EthHeaderLen {
		return data
	}
	tagged := make([]byte, len(data)+core.VLANHeaderLen)
	copy(tagged, data[:12])
	binary.BigEndian.PutUint16(tagged[12:], core.EthTypeVLAN)
	binary.BigEndian.PutUint16(tagged[14:], pkt.HWVLANTCI)
	copy(tagged[16:], data[12:])
	return tagged
}

// Send appends pkt to the stream.
func (s *PcapSink) Send(_ *datapath.Worker, pkt *core.Packet) (int, error) {
	data := WireFrame(pkt)
	ci := gopacket.CaptureInfo{
		Timestamp:     pkt.Timestamp,
		CaptureLength: len(data),
		Length:        len(data),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.WritePacket(ci, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close closes the underlying writer if it is closable.
func (s *PcapSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
