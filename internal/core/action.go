package core

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Action is one step of a flow's action list. The concrete types below are
// the complete set.
type Action interface {
	fmt.Stringer
	isAction()
}

// Output sends the packet to a port.
type Output struct{ Port uint16 }

// ToController sends a copy of the packet to the control plane.
type ToController struct{ Cookie uint64 }

// SetTunnelID attaches a tunnel id for egress encapsulation.
type SetTunnelID struct{ ID uint64 }

// SetVLANTCI adds an 802.1Q tag or rewrites the existing one.
type SetVLANTCI struct{ TCI uint16 }

// StripVLAN removes the 802.1Q tag.
type StripVLAN struct{}

// SetEthSrc rewrites the Ethernet source address.
type SetEthSrc struct{ Addr [6]byte }

// SetEthDst rewrites the Ethernet destination address.
type SetEthDst struct{ Addr [6]byte }

// SetIPv4Src rewrites the IPv4 source address.
type SetIPv4Src struct{ Addr [4]byte }

// SetIPv4Dst rewrites the IPv4 destination address.
type SetIPv4Dst struct{ Addr [4]byte }

// SetIPTOS replaces the DSCP bits, keeping ECN.
type SetIPTOS struct{ TOS uint8 }

// SetTPSrc rewrites the TCP/UDP source port.
type SetTPSrc struct{ Port uint16 }

// SetTPDst rewrites the TCP/UDP destination port.
type SetTPDst struct{ Port uint16 }

// SetPriority overrides the scheduling priority.
type SetPriority struct{ Priority uint32 }

// PopPriority restores the priority the packet arrived with.
type PopPriority struct{}

// DropSpoofedARP ends processing for ARP frames whose sender hardware
// address differs from the Ethernet source.
type DropSpoofedARP struct{}

func (Output) isAction() {}
func (ToController) isAction() {}
func (SetTunnelID) isAction() {}
func (SetVLANTCI) isAction() {}
func (StripVLAN) isAction() {}
func (SetEthSrc) isAction() {}
func (SetEthDst) isAction() {}
func (SetIPv4Src) isAction() {}
func (SetIPv4Dst) isAction() {}
func (SetIPTOS) isAction() {}
func (SetTPSrc) isAction() {}
func (SetTPDst) isAction() {}
func (SetPriority) isAction() {}
func (PopPriority) isAction() {}
func (DropSpoofedARP) isAction() {}

func (a Output) String() string { return fmt.Sprintf("output(%d)", a.Port) }
func (a ToController) String() string { return fmt.Sprintf("controller(%d)", a.Cookie) }
func (a SetTunnelID) String() string { return fmt.Sprintf("set_tunnel(%#x)", a.ID) }
func (a SetVLANTCI) String() string { return fmt.Sprintf("set_vlan_tci(0x%04x)", a.TCI) }
func (StripVLAN) String() string { return "strip_vlan" }
func (a SetEthSrc) String() string {
	return fmt.Sprintf("set_eth_src(%s)", net.HardwareAddr(a.Addr[:]))
}
func (a SetEthDst) String() string {
	return fmt.Sprintf("set_eth_dst(%s)", net.HardwareAddr(a.Addr[:]))
}
func (a SetIPv4Src) String() string {
	return fmt.Sprintf("set_ip_src(%s)", netip.AddrFrom4(a.Addr))
}
func (a SetIPv4Dst) String() string {
	return fmt.Sprintf("set_ip_dst(%s)", netip.AddrFrom4(a.Addr))
}
func (a SetIPTOS) String() string { return fmt.Sprintf("set_ip_tos(%#x)", a.TOS) }
func (a SetTPSrc) String() string { return fmt.Sprintf("set_tp_src(%d)", a.Port) }
func (a SetTPDst) String() string { return fmt.Sprintf("set_tp_dst(%d)", a.Port) }
func (a SetPriority) String() string { return fmt.Sprintf("set_priority(%d)", a.Priority) }
func (PopPriority) String() string { return "pop_priority" }
func (DropSpoofedARP) String() string { return "drop_spoofed_arp" }

// ActionList is immutable once attached to a flow; replace it as a whole.
type ActionList struct {
	Actions []Action
}

// NewActionList copies acts into a new list.
func NewActionList(acts ...Action) *ActionList {
	return &ActionList{Actions: append([]Action(nil), acts...)}
}

// Len returns the number of actions; a nil list has none.
func (l *ActionList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Actions)
}

func (l *ActionList) String() string {
	if l.Len() == 0 {
		return "drop"
	}
	parts := make([]string, len(l.Actions))
	for i, a := range l.Actions {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
