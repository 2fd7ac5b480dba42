package extract

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/flowpath/internal/core"
)

const (
	ecnMask = 0x03

	// IPv4 flags/fragment offset
	ipv4MoreFragments = 0x2000
	ipv4OffsetMask    = 0x1FFF

	// IPv6 extension header types
	ipv6HopByHop    = 0
	ipv6Routing     = 43
	ipv6Fragment    = 44
	ipv6AuthHeader  = 51
	ipv6NoNextHdr   = 59
	ipv6DestOptions = 60
)

// parseIPv4 fills the L3 and L4 fields for an IPv4 packet whose header starts
// at nh. It reports whether the packet is a fragment.
func parseIPv4(data []byte, nh int, pkt *core.Packet, key *core.FlowKey) bool {
	if len(data) < nh+ipv4.HeaderLen {
		pkt.L4 = nh
		return false
	}
	hdr := data[nh:]

	// IHL (lower 4 bits of first byte), in 32-bit words
	headerLen := int(hdr[0]&0x0F) * 4
	if headerLen < ipv4.HeaderLen || len(hdr) < headerLen {
		pkt.L4 = nh
		return false
	}

	pkt.L3Len = headerLen

	// Source IP (offset 12), Destination IP (offset 16)
	copy(key.NwSrc[:4], hdr[12:16])
	copy(key.NwDst[:4], hdr[16:20])
	key.NwTOS = hdr[1] &^ ecnMask
	key.NwProto = hdr[9]

	th := nh + headerLen
	fragOff := binary.BigEndian.Uint16(hdr[6:8])
	if fragOff&ipv4OffsetMask == 0 {
		pkt.L4 = th
	}
	if fragOff&(ipv4MoreFragments|ipv4OffsetMask) != 0 || pkt.GSOUDP {
		return true
	}

	switch key.NwProto {
	case core.IPProtoTCP:
		parseTCP(data, th, key)
	case core.IPProtoUDP:
		parseUDP(data, th, key)
	case core.IPProtoICMP:
		parseICMP(data, th, key)
	}
	return false
}

// parseIPv6 fills the L3 and L4 fields for an IPv6 packet whose header
// starts at nh. It reports whether the packet is a non-first fragment.
func parseIPv6(data []byte, nh int, pkt *core.Packet, key *core.FlowKey) bool {
	if len(data) < nh+ipv6.HeaderLen {
		pkt.L4 = nh
		return false
	}
	hdr := data[nh:]

	// Traffic class spans the low nibble of byte 0 and high nibble of byte 1
	tclass := hdr[0]<<4 | hdr[1]>>4
	key.NwTOS = tclass &^ ecnMask
	copy(key.NwSrc[:], hdr[8:24])
	copy(key.NwDst[:], hdr[24:40])

	th, nextHdr, isFrag, ok := skipExtHeaders(data, nh+ipv6.HeaderLen, hdr[6])
	if !ok {
		pkt.L4 = nh
		return false
	}
	pkt.L3Len = th - nh
	key.NwProto = nextHdr
	if isFrag {
		return true
	}
	pkt.L4 = th

	switch nextHdr {
	case core.IPProtoTCP:
		parseTCP(data, th, key)
	case core.IPProtoUDP:
		parseUDP(data, th, key)
	case core.IPProtoICMPv6:
		parseICMPv6(data, th, key)
	}
	return false
}

// skipExtHeaders walks the IPv6 extension header chain starting at offset.
// It stops at the first upper-layer header, at a No Next Header marker or
// at a non-first fragment.
func skipExtHeaders(data []byte, offset int, nextHdr uint8) (int, uint8, bool, bool) {
	for isExtHeader(nextHdr) {
		if nextHdr == ipv6NoNextHdr {
			return offset, nextHdr, false, true
		}
		if len(data) < offset+2 {
			return 0, 0, false, false
		}

		var hdrLen int
		switch nextHdr {
		case ipv6Fragment:
			if len(data) < offset+8 {
				return 0, 0, false, false
			}
			if binary.BigEndian.Uint16(data[offset+2:offset+4])&^0x7 != 0 {
				return offset, nextHdr, true, true
			}
			hdrLen = 8
		case ipv6AuthHeader:
			hdrLen = (int(data[offset+1]) + 2) << 2
		default:
			hdrLen = (int(data[offset+1]) + 1) << 3
		}
		nextHdr = data[offset]
		offset += hdrLen
	}
	return offset, nextHdr, false, true
}

func isExtHeader(nextHdr uint8) bool {
	switch nextHdr {
	case ipv6HopByHop, ipv6Routing, ipv6Fragment, ipv6AuthHeader, ipv6NoNextHdr, ipv6DestOptions:
		return true
	}
	return false
}
