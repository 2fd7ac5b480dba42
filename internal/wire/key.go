package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"

	"firestige.xyz/flowpath/internal/core"
)

const ecnMask = 0x03

// EncodeKey serializes k. Optional attributes are omitted when zero.
func EncodeKey(k *core.FlowKey) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()

	if k.TunnelID != 0 {
		ae.Bytes(KeyAttrTunID, binary.BigEndian.AppendUint64(nil, k.TunnelID))
	}
	ae.Uint32(KeyAttrInPort, uint32(k.InPort))

	eth := make([]byte, 0, 12)
	eth = append(eth, k.EthSrc[:]...)
	eth = append(eth, k.EthDst[:]...)
	ae.Bytes(KeyAttrEthernet, eth)

	if k.HasVLAN() {
		tag := binary.BigEndian.AppendUint16(nil, core.EthTypeVLAN)
		tag = binary.BigEndian.AppendUint16(tag, k.VLANTCI&^core.VLANTagPresent)
		ae.Bytes(KeyAttr8021Q, tag)
	}

	// Untagged 802.2 frames end at the Ethernet attribute.
	if k.EthType == core.EthType8022 && !k.HasVLAN() {
		return ae.Encode()
	}
	ae.Bytes(KeyAttrEthertype, binary.BigEndian.AppendUint16(nil, k.EthType))

	switch k.EthType {
	case core.EthTypeIPv4:
		b := make([]byte, 12)
		copy(b[0:4], k.NwSrc[:4])
		copy(b[4:8], k.NwDst[:4])
		b[8], b[9] = k.NwProto, k.NwTOS
		ae.Bytes(KeyAttrIPv4, b)
	case core.EthTypeIPv6:
		b := make([]byte, 36)
		copy(b[0:16], k.NwSrc[:])
		copy(b[16:32], k.NwDst[:])
		b[32], b[33] = k.NwProto, k.NwTOS
		ae.Bytes(KeyAttrIPv6, b)
	case core.EthTypeARP:
		b := make([]byte, 24)
		copy(b[0:4], k.NwSrc[:4])
		copy(b[4:8], k.NwDst[:4])
		binary.BigEndian.PutUint16(b[8:10], uint16(k.NwProto))
		copy(b[10:16], k.ARPSHA[:])
		copy(b[16:22], k.ARPTHA[:])
		ae.Bytes(KeyAttrARP, b)
		return ae.Encode()
	default:
		return ae.Encode()
	}

	ports := func() []byte {
		b := binary.BigEndian.AppendUint16(nil, k.TPSrc)
		return binary.BigEndian.AppendUint16(b, k.TPDst)
	}
	switch {
	case k.NwProto == core.IPProtoTCP:
		ae.Bytes(KeyAttrTCP, ports())
	case k.NwProto == core.IPProtoUDP:
		ae.Bytes(KeyAttrUDP, ports())
	case k.NwProto == core.IPProtoICMP && k.EthType == core.EthTypeIPv4:
		ae.Bytes(KeyAttrICMP, []byte{uint8(k.TPSrc), uint8(k.TPDst)})
	case k.NwProto == core.IPProtoICMPv6 && k.EthType == core.EthTypeIPv6:
		ae.Bytes(KeyAttrICMPv6, []byte{uint8(k.TPSrc), uint8(k.TPDst)})
		if k.IsND() {
			b := make([]byte, 0, 28)
			b = append(b, k.NDTarget[:]...)
			b = append(b, k.ARPSHA[:]...)
			b = append(b, k.ARPTHA[:]...)
			ae.Bytes(KeyAttrND, b)
		}
	}
	return ae.Encode()
}

// DecodeKey parses a key. The attributes must follow the order EncodeKey
// produces and stop at a valid end state. Nothing is returned on error.
func DecodeKey(b []byte) (core.FlowKey, error) {
	if err := checkFraming(b); err != nil {
		return core.FlowKey{}, err
	}
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return core.FlowKey{}, fmt.Errorf("%w: %v", core.ErrInvalidAttribute, err)
	}

	var k core.FlowKey
	prev := KeyAttrUnspec
	for ad.Next() {
		typ := ad.Type()
		data := ad.Bytes()
		if typ == KeyAttrUnspec || typ > keyAttrMax {
			return core.FlowKey{}, keyErr(typ, "unknown type")
		}
		if len(data) != keyAttrLens[typ] {
			return core.FlowKey{}, keyErr(typ, fmt.Sprintf("length %d", len(data)))
		}
		if !keyTransitionAllowed(prev, typ, &k) {
			return core.FlowKey{}, keyErr(typ, fmt.Sprintf("not allowed after %d", prev))
		}
		if err := applyKeyAttr(&k, prev, typ, data); err != nil {
			return core.FlowKey{}, err
		}
		prev = typ
	}
	if err := ad.Err(); err != nil {
		return core.FlowKey{}, fmt.Errorf("%w: %v", core.ErrInvalidAttribute, err)
	}
	if !keyEndValid(prev, &k) {
		return core.FlowKey{}, keyErr(prev, "incomplete key")
	}
	if prev == KeyAttrEthernet {
		k.EthType = core.EthType8022
	}
	return k, nil
}

func keyErr(typ uint16, reason string) error {
	return fmt.Errorf("%w: key attribute %d: %s", core.ErrInvalidAttribute, typ, reason)
}

// keyTransitionAllowed reports whether typ may follow prev, given the fields
// decoded so far.
func keyTransitionAllowed(prev, typ uint16, k *core.FlowKey) bool {
	switch typ {
	case KeyAttrTunID:
		return prev == KeyAttrUnspec
	case KeyAttrInPort:
		return prev == KeyAttrUnspec || prev == KeyAttrTunID
	case KeyAttrEthernet:
		return prev == KeyAttrInPort
	case KeyAttr8021Q:
		return prev == KeyAttrEthernet
	case KeyAttrEthertype:
		return prev == KeyAttrEthernet || prev == KeyAttr8021Q
	case KeyAttrIPv4:
		return prev == KeyAttrEthertype && k.EthType == core.EthTypeIPv4
	case KeyAttrIPv6:
		return prev == KeyAttrEthertype && k.EthType == core.EthTypeIPv6
	case KeyAttrARP:
		return prev == KeyAttrEthertype && k.EthType == core.EthTypeARP
	case KeyAttrTCP:
		return (prev == KeyAttrIPv4 || prev == KeyAttrIPv6) && k.NwProto == core.IPProtoTCP
	case KeyAttrUDP:
		return (prev == KeyAttrIPv4 || prev == KeyAttrIPv6) && k.NwProto == core.IPProtoUDP
	case KeyAttrICMP:
		return prev == KeyAttrIPv4 && k.NwProto == core.IPProtoICMP
	case KeyAttrICMPv6:
		return prev == KeyAttrIPv6 && k.NwProto == core.IPProtoICMPv6
	case KeyAttrND:
		return prev == KeyAttrICMPv6 &&
			(k.TPSrc == core.NDNeighborSolicitation || k.TPSrc == core.NDNeighborAdvertisement)
	}
	return false
}

// keyEndValid reports whether a key may stop after last.
func keyEndValid(last uint16, k *core.FlowKey) bool {
	switch last {
	case KeyAttrEthernet, KeyAttrTCP, KeyAttrUDP, KeyAttrICMP, KeyAttrARP, KeyAttrND:
		return true
	case KeyAttrEthertype:
		return k.EthType != core.EthTypeIPv4 && k.EthType != core.EthTypeIPv6 &&
			k.EthType != core.EthTypeARP
	case KeyAttrIPv4:
		return k.NwProto != core.IPProtoTCP && k.NwProto != core.IPProtoUDP &&
			k.NwProto != core.IPProtoICMP
	case KeyAttrIPv6:
		return k.NwProto != core.IPProtoTCP && k.NwProto != core.IPProtoUDP &&
			k.NwProto != core.IPProtoICMPv6
	case KeyAttrICMPv6:
		return k.TPSrc != core.NDNeighborSolicitation && k.TPSrc != core.NDNeighborAdvertisement
	}
	return false
}

func applyKeyAttr(k *core.FlowKey, prev, typ uint16, data []byte) error {
	switch typ {
	case KeyAttrTunID:
		k.TunnelID = binary.BigEndian.Uint64(data)
	case KeyAttrInPort:
		port := binary.NativeEndian.Uint32(data)
		if port >= core.MaxPorts {
			return keyErr(typ, fmt.Sprintf("port %d out of range", port))
		}
		k.InPort = uint16(port)
	case KeyAttrEthernet:
		copy(k.EthSrc[:], data[0:6])
		copy(k.EthDst[:], data[6:12])
	case KeyAttr8021Q:
		tpid := binary.BigEndian.Uint16(data[0:2])
		tci := binary.BigEndian.Uint16(data[2:4])
		if tpid != core.EthTypeVLAN || tci&core.VLANTagPresent != 0 {
			return keyErr(typ, fmt.Sprintf("tpid %#04x tci %#04x", tpid, tci))
		}
		k.VLANTCI = tci | core.VLANTagPresent
	case KeyAttrEthertype:
		et := binary.BigEndian.Uint16(data)
		if et < core.EthTypeMin && !(et == core.EthType8022 && prev == KeyAttr8021Q) {
			return keyErr(typ, fmt.Sprintf("ethertype %#04x", et))
		}
		k.EthType = et
	case KeyAttrIPv4:
		if data[9]&ecnMask != 0 {
			return keyErr(typ, "ECN bits set")
		}
		copy(k.NwSrc[:4], data[0:4])
		copy(k.NwDst[:4], data[4:8])
		k.NwProto, k.NwTOS = data[8], data[9]
	case KeyAttrIPv6:
		if data[33]&ecnMask != 0 {
			return keyErr(typ, "ECN bits set")
		}
		copy(k.NwSrc[:], data[0:16])
		copy(k.NwDst[:], data[16:32])
		k.NwProto, k.NwTOS = data[32], data[33]
	case KeyAttrTCP, KeyAttrUDP:
		k.TPSrc = binary.BigEndian.Uint16(data[0:2])
		k.TPDst = binary.BigEndian.Uint16(data[2:4])
	case KeyAttrICMP, KeyAttrICMPv6:
		k.TPSrc, k.TPDst = uint16(data[0]), uint16(data[1])
	case KeyAttrARP:
		op := binary.BigEndian.Uint16(data[8:10])
		if op > 0xff {
			return keyErr(typ, fmt.Sprintf("opcode %d", op))
		}
		copy(k.NwSrc[:4], data[0:4])
		copy(k.NwDst[:4], data[4:8])
		k.NwProto = uint8(op)
		copy(k.ARPSHA[:], data[10:16])
		copy(k.ARPTHA[:], data[16:22])
	case KeyAttrND:
		copy(k.NDTarget[:], data[0:16])
		copy(k.ARPSHA[:], data[16:22])
		copy(k.ARPTHA[:], data[22:28])
	}
	return nil
}
