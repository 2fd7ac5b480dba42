package extract

import (
	"encoding/binary"

	"firestige.xyz/flowpath/internal/core"
)

const (
	// 802.2 LLC with a SNAP extension
	llcSNAPHeaderLen = 8
	llcSAPSNAP       = 0xAA
)

// parseEthernet fills the L2 fields of key and returns the offset of the
// network header.
func parseEthernet(data []byte, pkt *core.Packet, key *core.FlowKey) int {
	// Destination MAC (6 bytes at offset 0)
	copy(key.EthDst[:], data[0:6])

	// Source MAC (6 bytes at offset 6)
	copy(key.EthSrc[:], data[6:12])

	offset := 12
	if pkt.HWVLANPresent {
		key.VLANTCI = pkt.HWVLANTCI | core.VLANTagPresent
	} else if binary.BigEndian.Uint16(data[12:14]) == core.EthTypeVLAN {
		offset = parseVLAN(data, offset, key)
	}

	key.EthType, offset = parseEthertype(data, offset)
	return offset
}

// parseVLAN consumes an inline 802.1Q tag. The tag is only taken when the
// encapsulated type field is present too.
func parseVLAN(data []byte, offset int, key *core.FlowKey) int {
	if len(data) < offset+core.VLANHeaderLen+2 {
		return offset
	}
	tci := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	key.VLANTCI = tci | core.VLANTagPresent
	return offset + core.VLANHeaderLen
}

// parseEthertype reads the type/length field at offset and resolves 802.2
// framing. It returns the ethertype and the offset of the network header.
func parseEthertype(data []byte, offset int) (uint16, int) {
	proto := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	if proto >= core.EthTypeMin {
		return proto, offset
	}

	// Length field: only LLC/SNAP with a zero OUI carries an ethertype.
	if len(data) < offset+llcSNAPHeaderLen {
		return core.EthType8022, offset
	}
	llc := data[offset : offset+llcSNAPHeaderLen]
	if llc[0] != llcSAPSNAP || llc[1] != llcSAPSNAP || llc[3]|llc[4]|llc[5] != 0 {
		return core.EthType8022, offset
	}
	proto = binary.BigEndian.Uint16(llc[6:8])
	if proto < core.EthTypeMin {
		return core.EthType8022, offset
	}
	return proto, offset + llcSNAPHeaderLen
}
