package actions

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/net/ipv4"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/csum"
)

// Header offsets and sizes used by the field editors.
const (
	ethDstOff  = 0
	ethSrcOff  = 6
	ethTypeOff = 12

	vlanTCIOff = 14
	vlanEthLen = core.EthHeaderLen + core.VLANHeaderLen

	ipv4CheckOff = 10
	ipv4SrcOff   = 12
	ipv4DstOff   = 16

	tcpHeaderLen = 20
	tcpCheckOff  = 16
	udpHeaderLen = 8
	udpCheckOff  = 6

	ecnMask = 0x03

	// a computed UDP checksum of zero is sent as all ones
	udpMangledZero = 0xffff
)

// sumAt returns the sum contribution of b when it sits rel bytes into the
// checksummed region.
func sumAt(rel int, b []byte) uint32 {
	s := csum.Partial(b, 0)
	if rel%2 == 1 {
		s = uint32(bits.ReverseBytes16(uint16(s)))
	}
	return s
}

// write copies b into the frame at off and keeps a complete checksum in
// step. The frame must be writable.
func write(pkt *core.Packet, off int, b []byte) {
	if pkt.CsumMode == core.CsumComplete && off >= core.EthHeaderLen {
		rel := off - core.EthHeaderLen
		old := pkt.Data[off : off+len(b)]
		pkt.Csum = csum.Add(csum.Sub(pkt.Csum, sumAt(rel, old)), sumAt(rel, b))
	}
	copy(pkt.Data[off:], b)
}

func write16(pkt *core.Packet, off int, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	write(pkt, off, b[:])
}

func read16(pkt *core.Packet, off int) uint16 {
	return binary.BigEndian.Uint16(pkt.Data[off : off+2])
}

func shiftOffsets(pkt *core.Packet, n int) {
	if pkt.L3 >= 0 {
		pkt.L3 += n
	}
	if pkt.L4 >= 0 {
		pkt.L4 += n
	}
}

func hasInlineVLAN(pkt *core.Packet) bool {
	return len(pkt.Data) >= vlanEthLen && read16(pkt, ethTypeOff) == core.EthTypeVLAN
}

// setVLANTCI rewrites the existing tag, or adds one when the frame has none.
func setVLANTCI(pkt *core.Packet, tci uint16) {
	if pkt.HWVLANPresent {
		pkt.HWVLANTCI = tci
		return
	}
	if hasInlineVLAN(pkt) {
		pkt.MakeWritable()
		write16(pkt, vlanTCIOff, tci)
		return
	}
	if len(pkt.Data) < core.EthHeaderLen {
		return
	}

	old := pkt.Data
	data := make([]byte, len(old)+core.VLANHeaderLen)
	copy(data, old[:ethTypeOff])
	binary.BigEndian.PutUint16(data[ethTypeOff:], core.EthTypeVLAN)
	binary.BigEndian.PutUint16(data[vlanTCIOff:], tci)
	copy(data[vlanTCIOff+2:], old[ethTypeOff:])
	pkt.SetData(data)

	if pkt.CsumMode == core.CsumComplete {
		pkt.Csum = csum.Partial(data[core.EthHeaderLen:vlanEthLen], pkt.Csum)
	}
	shiftOffsets(pkt, core.VLANHeaderLen)
}

// stripVLAN removes the outer tag, if any.
func stripVLAN(pkt *core.Packet) {
	if pkt.HWVLANPresent {
		pkt.HWVLANPresent = false
		pkt.HWVLANTCI = 0
		return
	}
	if !hasInlineVLAN(pkt) {
		return
	}

	old := pkt.Data
	if pkt.CsumMode == core.CsumComplete {
		pkt.Csum = csum.Sub(pkt.Csum, csum.Partial(old[core.EthHeaderLen:vlanEthLen], 0))
	}
	data := make([]byte, len(old)-core.VLANHeaderLen)
	copy(data, old[:ethTypeOff])
	copy(data[ethTypeOff:], old[vlanTCIOff+2:])
	pkt.SetData(data)
	shiftOffsets(pkt, -core.VLANHeaderLen)
}

func setEthAddr(pkt *core.Packet, off int, addr [6]byte) {
	if len(pkt.Data) < core.EthHeaderLen {
		return
	}
	pkt.MakeWritable()
	write(pkt, off, addr[:])
}

// ipv4Editable reports whether key describes IPv4 and extraction accepted
// the IPv4 header at pkt's network offset.
func ipv4Editable(pkt *core.Packet, key *core.FlowKey) bool {
	return key.EthType == core.EthTypeIPv4 && pkt.L3 >= 0 &&
		pkt.L3Len >= ipv4.HeaderLen && len(pkt.Data) >= pkt.L3+pkt.L3Len
}

// l4Check returns the offset of the transport checksum for key's protocol
// and whether it is UDP. The offset is -1 when the transport header is
// missing or short.
func l4Check(pkt *core.Packet, key *core.FlowKey) (int, bool) {
	if pkt.L4 < 0 {
		return -1, false
	}
	avail := len(pkt.Data) - pkt.L4
	switch key.NwProto {
	case core.IPProtoTCP:
		if avail >= tcpHeaderLen {
			return pkt.L4 + tcpCheckOff, false
		}
	case core.IPProtoUDP:
		if avail >= udpHeaderLen {
			return pkt.L4 + udpCheckOff, true
		}
	}
	return -1, false
}

// setIPv4Addr rewrites the address at field (ipv4SrcOff or ipv4DstOff) and
// fixes up the IPv4 and transport checksums.
func setIPv4Addr(pkt *core.Packet, key *core.FlowKey, field int, addr [4]byte) {
	if !ipv4Editable(pkt, key) {
		return
	}
	pkt.MakeWritable()
	nh := pkt.L3
	from := binary.BigEndian.Uint32(pkt.Data[nh+field:])
	to := binary.BigEndian.Uint32(addr[:])

	// The address is part of the transport pseudo-header.
	if off, udp := l4Check(pkt, key); off >= 0 {
		check := read16(pkt, off)
		switch {
		case pkt.CsumMode == core.CsumPartial:
			check = uint16(csum.Replace32(uint32(check), from, to))
			if udp && check == 0 {
				check = udpMangledZero
			}
			write16(pkt, off, check)
		case !udp || check != 0:
			check = csum.ReplaceField32(check, from, to)
			if udp && check == 0 {
				check = udpMangledZero
			}
			write16(pkt, off, check)
		}
	}

	write16(pkt, nh+ipv4CheckOff, csum.ReplaceField32(read16(pkt, nh+ipv4CheckOff), from, to))
	write(pkt, nh+field, addr[:])
	pkt.ClearHash()
}

// setIPv4TOS replaces the DSCP bits and keeps ECN.
func setIPv4TOS(pkt *core.Packet, key *core.FlowKey, tos uint8) {
	if !ipv4Editable(pkt, key) {
		return
	}
	pkt.MakeWritable()
	nh := pkt.L3
	oldWord := read16(pkt, nh)
	newTOS := tos&^ecnMask | pkt.Data[nh+1]&ecnMask
	newWord := oldWord&0xff00 | uint16(newTOS)

	write16(pkt, nh+ipv4CheckOff, csum.ReplaceField(read16(pkt, nh+ipv4CheckOff), oldWord, newWord))
	write16(pkt, nh, newWord)
}

// setTPPort rewrites the TCP or UDP port at field (0 for source, 2 for
// destination) of an IPv4 packet; IPv6 packets are left alone. Ports are
// not in the pseudo-header, so a partial checksum is left alone.
func setTPPort(pkt *core.Packet, key *core.FlowKey, field int, port uint16) {
	if !ipv4Editable(pkt, key) {
		return
	}
	off, udp := l4Check(pkt, key)
	if off < 0 {
		return
	}
	pkt.MakeWritable()
	portOff := pkt.L4 + field
	from := read16(pkt, portOff)

	if check := read16(pkt, off); pkt.CsumMode != core.CsumPartial && (!udp || check != 0) {
		check = csum.ReplaceField(check, from, port)
		if udp && check == 0 {
			check = udpMangledZero
		}
		write16(pkt, off, check)
	}
	write16(pkt, portOff, port)
	pkt.ClearHash()
}
