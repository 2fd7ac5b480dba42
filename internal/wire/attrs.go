// Package wire encodes flow keys and action lists as netlink-style
// attributes for exchange with a control plane.
//
// Attribute headers are native byte order and payloads are padded to four
// bytes. Multi-byte payload fields are big-endian except IN_PORT, OUTPUT,
// CONTROLLER and SET_PRIORITY, which are native.
package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"firestige.xyz/flowpath/internal/core"
)

// Key attribute types.
const (
	KeyAttrUnspec uint16 = iota
	KeyAttrTunID
	KeyAttrInPort
	KeyAttrEthernet
	KeyAttr8021Q
	KeyAttrEthertype
	KeyAttrIPv4
	KeyAttrIPv6
	KeyAttrTCP
	KeyAttrUDP
	KeyAttrICMP
	KeyAttrICMPv6
	KeyAttrARP
	KeyAttrND

	keyAttrMax = KeyAttrND
)

// Action attribute types.
const (
	ActionAttrUnspec uint16 = iota
	ActionAttrOutput
	ActionAttrController
	ActionAttrSetDLTCI
	ActionAttrStripVLAN
	ActionAttrSetDLSrc
	ActionAttrSetDLDst
	ActionAttrSetNWSrc
	ActionAttrSetNWDst
	ActionAttrSetNWTOS
	ActionAttrSetTPSrc
	ActionAttrSetTPDst
	ActionAttrSetTunnel
	ActionAttrSetPriority
	ActionAttrPopPriority
	ActionAttrDropSpoofedARP

	actionAttrMax = ActionAttrDropSpoofedARP
)

// Payload lengths, indexed by attribute type.
var (
	keyAttrLens = [keyAttrMax + 1]int{
		KeyAttrTunID:     8,
		KeyAttrInPort:    4,
		KeyAttrEthernet:  12,
		KeyAttr8021Q:     4,
		KeyAttrEthertype: 2,
		KeyAttrIPv4:      12,
		KeyAttrIPv6:      36,
		KeyAttrTCP:       4,
		KeyAttrUDP:       4,
		KeyAttrICMP:      2,
		KeyAttrICMPv6:    2,
		KeyAttrARP:       24,
		KeyAttrND:        28,
	}

	actionAttrLens = [actionAttrMax + 1]int{
		ActionAttrOutput:         4,
		ActionAttrController:     8,
		ActionAttrSetDLTCI:       2,
		ActionAttrStripVLAN:      0,
		ActionAttrSetDLSrc:       6,
		ActionAttrSetDLDst:       6,
		ActionAttrSetNWSrc:       4,
		ActionAttrSetNWDst:       4,
		ActionAttrSetNWTOS:       1,
		ActionAttrSetTPSrc:       2,
		ActionAttrSetTPDst:       2,
		ActionAttrSetTunnel:      8,
		ActionAttrSetPriority:    4,
		ActionAttrPopPriority:    0,
		ActionAttrDropSpoofedARP: 0,
	}
)

const (
	attrHeaderLen = 4
	attrAlignTo   = 4
)

func attrAlign(n int) int {
	return (n + attrAlignTo - 1) &^ (attrAlignTo - 1)
}

// checkFraming verifies that b is a sequence of whole attributes: every
// header is complete and no length runs past the buffer. Zero-length
// headers and flagged types are rejected here because the netlink decoder
// skips the former and masks the latter.
func checkFraming(b []byte) error {
	for off := 0; off < len(b); {
		if len(b)-off < attrHeaderLen {
			return fmt.Errorf("%w: %d trailing bytes", core.ErrInvalidAttribute, len(b)-off)
		}
		l := int(binary.NativeEndian.Uint16(b[off : off+2]))
		typ := binary.NativeEndian.Uint16(b[off+2 : off+4])
		if typ&(unix.NLA_F_NESTED|unix.NLA_F_NET_BYTEORDER) != 0 {
			return fmt.Errorf("%w: flagged type %#x", core.ErrInvalidAttribute, typ)
		}
		if l < attrHeaderLen || l > len(b)-off {
			return fmt.Errorf("%w: type %d length %d", core.ErrInvalidAttribute, typ, l)
		}
		off += attrAlign(l)
	}
	return nil
}
