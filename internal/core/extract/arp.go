package extract

import (
	"encoding/binary"

	"firestige.xyz/flowpath/internal/core"
)

const (
	arpHeaderLen = 28

	arpHrdEthernet = 1
	arpOpRequest   = 1
	arpOpReply     = 2
)

// parseARP fills the key from an Ethernet/IPv4 ARP packet at nh.
func parseARP(data []byte, nh int, key *core.FlowKey) {
	if len(data) < nh+arpHeaderLen {
		return
	}
	arp := data[nh : nh+arpHeaderLen]

	if binary.BigEndian.Uint16(arp[0:2]) != arpHrdEthernet ||
		binary.BigEndian.Uint16(arp[2:4]) != core.EthTypeIPv4 ||
		arp[4] != 6 || arp[5] != 4 {
		return
	}

	// Only opcodes that fit in the protocol field are matched on.
	op := binary.BigEndian.Uint16(arp[6:8])
	if op <= 0xff {
		key.NwProto = uint8(op)
	}
	if op != arpOpRequest && op != arpOpReply {
		return
	}

	// sha(8:14) sip(14:18) tha(18:24) tip(24:28)
	copy(key.ARPSHA[:], arp[8:14])
	copy(key.NwSrc[:4], arp[14:18])
	copy(key.ARPTHA[:], arp[18:24])
	copy(key.NwDst[:4], arp[24:28])
}

// IsSpoofedARP reports whether the ARP packet at nh is truncated, not
// Ethernet/IPv4, or claims a sender hardware address different from the
// Ethernet source.
func IsSpoofedARP(data []byte, nh int) bool {
	if nh < 0 || len(data) < nh+arpHeaderLen {
		return true
	}
	arp := data[nh : nh+arpHeaderLen]
	if binary.BigEndian.Uint16(arp[0:2]) != arpHrdEthernet ||
		binary.BigEndian.Uint16(arp[2:4]) != core.EthTypeIPv4 ||
		arp[4] != 6 || arp[5] != 4 {
		return true
	}
	return string(arp[8:14]) != string(data[6:12])
}
