// Package extract builds flow keys from raw frames.
//
// Extraction never fails on malformed headers above Ethernet: fields that
// cannot be read stay zero. Only a frame shorter than an Ethernet header is
// rejected.
package extract

import (
	"firestige.xyz/flowpath/internal/core"
)

// Extract parses pkt into a flow key. It records the network and transport
// header offsets on pkt and reports whether the packet is an IP fragment.
func Extract(pkt *core.Packet) (core.FlowKey, bool, error) {
	var key core.FlowKey
	pkt.L3, pkt.L4, pkt.L3Len = -1, -1, 0

	data := pkt.Data
	if len(data) < core.EthHeaderLen {
		return key, false, core.ErrPacketTooShort
	}

	key.TunnelID = pkt.TunnelID
	key.InPort = pkt.InPort

	nh := parseEthernet(data, pkt, &key)
	pkt.L3 = nh

	isFrag := false
	switch key.EthType {
	case core.EthTypeIPv4:
		isFrag = parseIPv4(data, nh, pkt, &key)
	case core.EthTypeARP:
		parseARP(data, nh, &key)
	case core.EthTypeIPv6:
		isFrag = parseIPv6(data, nh, pkt, &key)
	}
	return key, isFrag, nil
}
