// Package core defines core data structures shared by the datapath packages.
package core

import "time"

// CsumMode mirrors the checksum state a NIC hands to the datapath.
type CsumMode uint8

const (
	// CsumNone means checksums live only in the headers.
	CsumNone CsumMode = iota
	// CsumComplete means Packet.Csum holds the ones'-complement sum of every
	// byte after the Ethernet header.
	CsumComplete
	// CsumPartial means the L4 checksum field holds only the pseudo-header
	// sum; the transmitter fills in the rest.
	CsumPartial
)

// EthHeaderLen is the length of an untagged Ethernet header.
const EthHeaderLen = 14

// VLANHeaderLen is the length of an 802.1Q tag.
const VLANHeaderLen = 4

// Packet is a frame plus the metadata the datapath carries alongside it.
type Packet struct {
	Data      []byte
	Timestamp time.Time

	InPort    uint16
	HasInPort bool // false for packets injected by the control plane

	TunnelID uint64
	Priority uint32

	// Tag held outside the frame by VLAN acceleration.
	HWVLANTCI     uint16
	HWVLANPresent bool

	// GSOUDP marks a segmentation-offloaded UDP super-datagram.
	GSOUDP bool

	CsumMode CsumMode
	Csum     uint32

	// Receive hash cache, invalidated when addressing fields change.
	Hash      uint32
	HashValid bool

	// Header offsets, -1 when absent. Set by extraction.
	L3 int
	L4 int
	// L3Len is the length of an IP header extraction accepted, or 0.
	L3Len int

	// Deferred marks processing from a deferred context such as a backlog
	// drain rather than the delivering goroutine.
	Deferred bool

	cloned bool
}

// NewPacket wraps a received frame.
func NewPacket(data []byte, inPort uint16) *Packet {
	return &Packet{
		Data:      data,
		Timestamp: time.Now(),
		InPort:    inPort,
		HasInPort: true,
		L3:        -1,
		L4:        -1,
	}
}

// Len returns the frame length.
func (p *Packet) Len() int {
	return len(p.Data)
}

// Clone returns a packet sharing p's frame bytes. Both packets copy the
// bytes before their next write.
func (p *Packet) Clone() *Packet {
	c := *p
	p.cloned = true
	c.cloned = true
	return &c
}

// Cloned reports whether the frame bytes may be shared with another packet.
func (p *Packet) Cloned() bool {
	return p.cloned
}

// MakeWritable gives p a private copy of its frame bytes if they are shared.
func (p *Packet) MakeWritable() {
	if !p.cloned {
		return
	}
	data := make([]byte, len(p.Data), len(p.Data)+VLANHeaderLen)
	copy(data, p.Data)
	p.Data = data
	p.cloned = false
}

// ClearHash invalidates the receive hash cache.
func (p *Packet) ClearHash() {
	p.Hash = 0
	p.HashValid = false
}

// SetData replaces the frame bytes with b, which must not be shared.
func (p *Packet) SetData(b []byte) {
	p.Data = b
	p.cloned = false
}
