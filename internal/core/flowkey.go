package core

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/ipv6"
)

// EtherType and protocol numbers used by the key.
const (
	EthTypeIPv4 = 0x0800
	EthTypeARP  = 0x0806
	EthTypeVLAN = 0x8100
	EthTypeIPv6 = 0x86DD

	// EthType8022 marks frames whose type/length field is a length and that
	// carry no recognizable SNAP header.
	EthType8022 = 0x0004

	// EthTypeMin is the smallest value that is an ethertype rather than a length.
	EthTypeMin = 0x0600

	IPProtoICMP   = 1
	IPProtoTCP    = 6
	IPProtoUDP    = 17
	IPProtoICMPv6 = 58

	// VLANTagPresent is OR'd into FlowKey.VLANTCI when the frame carried a tag.
	// It occupies the CFI bit, which Ethernet switches never set.
	VLANTagPresent = 0x1000

	// MaxPorts bounds port numbers on the wire and in the sampler.
	MaxPorts = 1024
)

// FlowKeyLen is the size of the canonical key encoding.
const FlowKeyLen = 96

// FlowKey is the exact-match lookup key. Two keys are equal iff their
// canonical encodings are byte-equal, which for this struct is plain ==.
//
// IPv4 addresses occupy the first four bytes of NwSrc/NwDst. For ARP, NwSrc
// and NwDst hold the sender and target protocol addresses and NwProto the
// opcode. For ICMP and ICMPv6, TPSrc and TPDst hold type and code. For
// Neighbor Discovery, ARPSHA/ARPTHA hold the source and target link-layer
// options.
type FlowKey struct {
	TunnelID uint64
	InPort   uint16
	EthSrc   [6]byte
	EthDst   [6]byte
	VLANTCI  uint16
	EthType  uint16
	NwSrc    [16]byte
	NwDst    [16]byte
	NwProto  uint8
	NwTOS    uint8
	TPSrc    uint16
	TPDst    uint16
	ARPSHA   [6]byte
	ARPTHA   [6]byte
	NDTarget [16]byte
}

// Bytes returns the canonical fixed-size encoding. Reserved bytes are zero.
func (k *FlowKey) Bytes() [FlowKeyLen]byte {
	var b [FlowKeyLen]byte
	binary.BigEndian.PutUint64(b[0:8], k.TunnelID)
	binary.BigEndian.PutUint16(b[8:10], k.InPort)
	binary.BigEndian.PutUint16(b[10:12], k.VLANTCI)
	binary.BigEndian.PutUint16(b[12:14], k.EthType)
	binary.BigEndian.PutUint16(b[14:16], k.TPSrc)
	binary.BigEndian.PutUint16(b[16:18], k.TPDst)
	copy(b[18:24], k.EthSrc[:])
	copy(b[24:30], k.EthDst[:])
	b[30] = k.NwProto
	b[31] = k.NwTOS
	copy(b[32:48], k.NwSrc[:])
	copy(b[48:64], k.NwDst[:])
	copy(b[64:70], k.ARPSHA[:])
	copy(b[70:76], k.ARPTHA[:])
	copy(b[76:92], k.NDTarget[:])
	return b
}

// Hash returns the seeded hash of the canonical encoding.
func (k *FlowKey) Hash(seed uint64) uint64 {
	b := k.Bytes()
	var d xxhash.Digest
	d.ResetWithSeed(seed)
	d.Write(b[:])
	return d.Sum64()
}

// HasVLAN reports whether the frame carried an 802.1Q tag.
func (k *FlowKey) HasVLAN() bool {
	return k.VLANTCI&VLANTagPresent != 0
}

// IPv4Src returns the IPv4 source address.
func (k *FlowKey) IPv4Src() netip.Addr {
	return netip.AddrFrom4([4]byte(k.NwSrc[:4]))
}

// IPv4Dst returns the IPv4 destination address.
func (k *FlowKey) IPv4Dst() netip.Addr {
	return netip.AddrFrom4([4]byte(k.NwDst[:4]))
}

// SetIPv4 stores IPv4 source and destination addresses.
func (k *FlowKey) SetIPv4(src, dst [4]byte) {
	copy(k.NwSrc[:4], src[:])
	copy(k.NwDst[:4], dst[:])
}

// String formats the key in the datapath's attribute order.
func (k *FlowKey) String() string {
	var sb strings.Builder
	if k.TunnelID != 0 {
		fmt.Fprintf(&sb, "tun_id(%#x),", k.TunnelID)
	}
	fmt.Fprintf(&sb, "in_port(%d),eth(src=%s,dst=%s)", k.InPort,
		net.HardwareAddr(k.EthSrc[:]), net.HardwareAddr(k.EthDst[:]))
	if k.HasVLAN() {
		fmt.Fprintf(&sb, ",vlan(vid=%d,pcp=%d)", k.VLANTCI&0x0fff, k.VLANTCI>>13)
	}
	if k.EthType == EthType8022 && !k.HasVLAN() {
		return sb.String()
	}
	fmt.Fprintf(&sb, ",eth_type(0x%04x)", k.EthType)

	switch k.EthType {
	case EthTypeIPv4:
		fmt.Fprintf(&sb, ",ipv4(src=%s,dst=%s,proto=%d,tos=%#x)",
			k.IPv4Src(), k.IPv4Dst(), k.NwProto, k.NwTOS)
	case EthTypeIPv6:
		fmt.Fprintf(&sb, ",ipv6(src=%s,dst=%s,proto=%d,tclass=%#x)",
			netip.AddrFrom16(k.NwSrc), netip.AddrFrom16(k.NwDst), k.NwProto, k.NwTOS)
	case EthTypeARP:
		fmt.Fprintf(&sb, ",arp(sip=%s,tip=%s,op=%d,sha=%s,tha=%s)",
			k.IPv4Src(), k.IPv4Dst(), k.NwProto,
			net.HardwareAddr(k.ARPSHA[:]), net.HardwareAddr(k.ARPTHA[:]))
		return sb.String()
	default:
		return sb.String()
	}

	switch {
	case k.NwProto == IPProtoTCP:
		fmt.Fprintf(&sb, ",tcp(src=%d,dst=%d)", k.TPSrc, k.TPDst)
	case k.NwProto == IPProtoUDP:
		fmt.Fprintf(&sb, ",udp(src=%d,dst=%d)", k.TPSrc, k.TPDst)
	case k.NwProto == IPProtoICMP && k.EthType == EthTypeIPv4:
		fmt.Fprintf(&sb, ",icmp(type=%d,code=%d)", k.TPSrc, k.TPDst)
	case k.NwProto == IPProtoICMPv6 && k.EthType == EthTypeIPv6:
		fmt.Fprintf(&sb, ",icmpv6(type=%d,code=%d)", k.TPSrc, k.TPDst)
		if k.IsND() {
			fmt.Fprintf(&sb, ",nd(target=%s,sll=%s,tll=%s)", netip.AddrFrom16(k.NDTarget),
				net.HardwareAddr(k.ARPSHA[:]), net.HardwareAddr(k.ARPTHA[:]))
		}
	}
	return sb.String()
}

// IsND reports whether the key describes a Neighbor Solicitation or
// Advertisement.
func (k *FlowKey) IsND() bool {
	return k.EthType == EthTypeIPv6 && k.NwProto == IPProtoICMPv6 &&
		(k.TPSrc == NDNeighborSolicitation || k.TPSrc == NDNeighborAdvertisement)
}

// ICMPv6 Neighbor Discovery message types.
const (
	NDNeighborSolicitation  = uint16(ipv6.ICMPTypeNeighborSolicitation)
	NDNeighborAdvertisement = uint16(ipv6.ICMPTypeNeighborAdvertisement)
)
