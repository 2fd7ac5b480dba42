package extract

import (
	"encoding/binary"

	"firestige.xyz/flowpath/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
	icmpHeaderLen   = 8

	// ICMPv6 header plus the 16-byte target address
	ndMsgLen = 24

	ndOptSourceLinkAddr = 1
	ndOptTargetLinkAddr = 2
)

// parseTCP reads the ports of a TCP header at th when the whole header,
// including options, is present.
func parseTCP(data []byte, th int, key *core.FlowKey) {
	if len(data) < th+tcpHeaderMinLen {
		return
	}
	// Data Offset (upper 4 bits of byte 12)
	tcpLen := int(data[th+12]>>4) * 4
	if tcpLen < tcpHeaderMinLen || len(data) < th+tcpLen {
		return
	}
	key.TPSrc = binary.BigEndian.Uint16(data[th : th+2])
	key.TPDst = binary.BigEndian.Uint16(data[th+2 : th+4])
}

func parseUDP(data []byte, th int, key *core.FlowKey) {
	if len(data) < th+udpHeaderLen {
		return
	}
	key.TPSrc = binary.BigEndian.Uint16(data[th : th+2])
	key.TPDst = binary.BigEndian.Uint16(data[th+2 : th+4])
}

// parseICMP stores type and code in the port fields.
func parseICMP(data []byte, th int, key *core.FlowKey) {
	if len(data) < th+icmpHeaderLen {
		return
	}
	key.TPSrc = uint16(data[th])
	key.TPDst = uint16(data[th+1])
}

// parseICMPv6 stores type and code in the port fields and, for Neighbor
// Solicitation and Advertisement, the ND target and link-layer options.
func parseICMPv6(data []byte, th int, key *core.FlowKey) {
	if len(data) < th+icmpHeaderLen {
		return
	}
	key.TPSrc = uint16(data[th])
	key.TPDst = uint16(data[th+1])

	if data[th+1] != 0 || (key.TPSrc != core.NDNeighborSolicitation &&
		key.TPSrc != core.NDNeighborAdvertisement) {
		return
	}
	if !parseND(data[th:], key) {
		key.NDTarget = [16]byte{}
		key.ARPSHA = [6]byte{}
		key.ARPTHA = [6]byte{}
	}
}

// parseND reads an NS/NA message. A duplicate link-layer option or an option
// running past the message makes it invalid.
func parseND(msg []byte, key *core.FlowKey) bool {
	if len(msg) < ndMsgLen {
		return false
	}
	copy(key.NDTarget[:], msg[8:24])

	opts := msg[ndMsgLen:]
	for len(opts) >= 8 {
		optType := opts[0]
		optLen := int(opts[1]) * 8
		if optLen == 0 || optLen > len(opts) {
			return false
		}

		switch {
		case optType == ndOptSourceLinkAddr && optLen == 8:
			if key.ARPSHA != [6]byte{} {
				return false
			}
			copy(key.ARPSHA[:], opts[2:8])
		case optType == ndOptTargetLinkAddr && optLen == 8:
			if key.ARPTHA != [6]byte{} {
				return false
			}
			copy(key.ARPTHA[:], opts[2:8])
		}
		opts = opts[optLen:]
	}
	return true
}
