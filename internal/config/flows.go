package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/wire"
)

// Port types accepted in a flow file.
const (
	PortTypePcap    = "pcap"
	PortTypePatch   = "patch"
	PortTypeDiscard = "discard"
	PortTypeNetdev  = "netdev"
)

// FlowFile is a parsed flow file.
type FlowFile struct {
	Ports []PortSpec
	Flows []Flow
}

// PortSpec declares a port. Ports referenced by flows but not declared
// default to pcap sinks.
type PortSpec struct {
	Number uint16 `mapstructure:"number"`
	Name   string `mapstructure:"name"`
	Type   string `mapstructure:"type"`
	Peer   uint16 `mapstructure:"peer"`   // patch only
	Device string `mapstructure:"device"` // netdev only
}

// Flow is one exact-match flow to install.
type Flow struct {
	Key     core.FlowKey
	Actions *core.ActionList
}

// MAC is an Ethernet address written as "aa:bb:cc:dd:ee:ff".
type MAC [6]byte

// Match names the FlowKey fields a flow file may set. Unset fields are zero.
type Match struct {
	TunID    uint64     `mapstructure:"tun_id"`
	InPort   uint16     `mapstructure:"in_port"`
	EthSrc   MAC        `mapstructure:"eth_src"`
	EthDst   MAC        `mapstructure:"eth_dst"`
	VLANTCI  *uint16    `mapstructure:"vlan_tci"` // nil = untagged
	EthType  uint16     `mapstructure:"eth_type"`
	IPSrc    netip.Addr `mapstructure:"ip_src"`
	IPDst    netip.Addr `mapstructure:"ip_dst"`
	IPProto  uint8      `mapstructure:"ip_proto"`
	IPTOS    uint8      `mapstructure:"ip_tos"`
	TPSrc    uint16     `mapstructure:"tp_src"`
	TPDst    uint16     `mapstructure:"tp_dst"`
	ARPSHA   MAC        `mapstructure:"arp_sha"`
	ARPTHA   MAC        `mapstructure:"arp_tha"`
	NDTarget netip.Addr `mapstructure:"nd_target"`
}

type rawFile struct {
	Ports []map[string]any `yaml:"ports"`
	Flows []rawFlow        `yaml:"flows"`
}

type rawFlow struct {
	Match   map[string]any   `yaml:"match"`
	Actions []map[string]any `yaml:"actions"`
}

// LoadFlows reads a flow file.
func LoadFlows(path string) (*FlowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", path, err)
	}
	ff, err := ParseFlows(data)
	if err != nil {
		return nil, fmt.Errorf("flow file %s: %w", path, err)
	}
	return ff, nil
}

// ParseFlows parses flow file contents. Errors wrap core.ErrConfigInvalid
// or a wire codec error.
func ParseFlows(data []byte) (*FlowFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawFile
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, invalid("parse yaml: %v", err)
	}

	ff := &FlowFile{}
	for i, rp := range raw.Ports {
		var ps PortSpec
		if err := decode(rp, &ps); err != nil {
			return nil, invalid("port %d: %v", i, err)
		}
		if err := ps.validate(); err != nil {
			return nil, fmt.Errorf("port %d: %w", i, err)
		}
		ff.Ports = append(ff.Ports, ps)
	}

	seen := make(map[core.FlowKey]int, len(raw.Flows))
	for i, rf := range raw.Flows {
		f, err := parseFlow(rf)
		if err != nil {
			return nil, fmt.Errorf("flow %d: %w", i, err)
		}
		if j, dup := seen[f.Key]; dup {
			return nil, fmt.Errorf("flow %d: %w: same match as flow %d", i, core.ErrDuplicateKey, j)
		}
		seen[f.Key] = i
		ff.Flows = append(ff.Flows, f)
	}
	return ff, nil
}

func (ps *PortSpec) validate() error {
	if ps.Number >= core.MaxPorts {
		return invalid("number %d out of range", ps.Number)
	}
	switch ps.Type {
	case "":
		ps.Type = PortTypePcap
	case PortTypePcap, PortTypeDiscard:
	case PortTypePatch:
		if ps.Peer >= core.MaxPorts {
			return invalid("peer %d out of range", ps.Peer)
		}
	case PortTypeNetdev:
		if ps.Device == "" {
			return invalid("netdev port %d needs a device", ps.Number)
		}
	default:
		return invalid("unknown port type %q", ps.Type)
	}
	return nil
}

// OutputPorts returns the ports the flows send to, in first-use order.
func (ff *FlowFile) OutputPorts() []uint16 {
	var out []uint16
	seen := make(map[uint16]bool)
	for _, f := range ff.Flows {
		for _, a := range f.Actions.Actions {
			if o, ok := a.(core.Output); ok && !seen[o.Port] {
				seen[o.Port] = true
				out = append(out, o.Port)
			}
		}
	}
	return out
}

func parseFlow(rf rawFlow) (Flow, error) {
	var m Match
	if err := decode(rf.Match, &m); err != nil {
		return Flow{}, invalid("match: %v", err)
	}
	key, err := m.Key()
	if err != nil {
		return Flow{}, err
	}

	acts := make([]core.Action, 0, len(rf.Actions))
	for i, ra := range rf.Actions {
		a, err := parseAction(ra)
		if err != nil {
			return Flow{}, invalid("action %d: %v", i, err)
		}
		acts = append(acts, a)
	}

	// Same checks as actions arriving from the control plane.
	b, err := wire.EncodeActions(core.NewActionList(acts...))
	if err != nil {
		return Flow{}, err
	}
	list, err := wire.DecodeActions(b)
	if err != nil {
		return Flow{}, err
	}
	return Flow{Key: key, Actions: list}, nil
}

// Key builds the exact-match key. The key must survive a wire round trip,
// which rejects fields that do not belong to the ethertype.
func (m *Match) Key() (core.FlowKey, error) {
	k := core.FlowKey{
		TunnelID: m.TunID,
		InPort:   m.InPort,
		EthSrc:   m.EthSrc,
		EthDst:   m.EthDst,
		EthType:  m.EthType,
		NwProto:  m.IPProto,
		NwTOS:    m.IPTOS,
		TPSrc:    m.TPSrc,
		TPDst:    m.TPDst,
		ARPSHA:   m.ARPSHA,
		ARPTHA:   m.ARPTHA,
	}
	if m.VLANTCI != nil {
		if *m.VLANTCI&core.VLANTagPresent != 0 {
			return k, invalid("vlan_tci %#04x has CFI set", *m.VLANTCI)
		}
		k.VLANTCI = *m.VLANTCI | core.VLANTagPresent
	}
	if m.InPort >= core.MaxPorts {
		return k, invalid("in_port %d out of range", m.InPort)
	}
	if err := putAddr(k.NwSrc[:], m.IPSrc, k.EthType); err != nil {
		return k, invalid("ip_src: %v", err)
	}
	if err := putAddr(k.NwDst[:], m.IPDst, k.EthType); err != nil {
		return k, invalid("ip_dst: %v", err)
	}
	if m.NDTarget.IsValid() {
		if !m.NDTarget.Is6() || m.NDTarget.Is4In6() {
			return k, invalid("nd_target must be IPv6")
		}
		k.NDTarget = m.NDTarget.As16()
	}

	b, err := wire.EncodeKey(&k)
	if err != nil {
		return k, err
	}
	back, err := wire.DecodeKey(b)
	if err != nil {
		return k, err
	}
	if back != k {
		return k, invalid("match sets fields that eth_type %#04x does not carry", k.EthType)
	}
	return k, nil
}

func putAddr(dst []byte, a netip.Addr, ethType uint16) error {
	if !a.IsValid() {
		return nil
	}
	if ethType == core.EthTypeIPv6 {
		if !a.Is6() {
			return fmt.Errorf("%s is not IPv6", a)
		}
		b := a.As16()
		copy(dst, b[:])
		return nil
	}
	if !a.Is4() {
		return fmt.Errorf("%s is not IPv4", a)
	}
	b := a.As4()
	copy(dst, b[:])
	return nil
}

func parseAction(ra map[string]any) (core.Action, error) {
	if len(ra) != 1 {
		return nil, fmt.Errorf("want exactly one key, got %d", len(ra))
	}
	var (
		name string
		v    any
	)
	for name, v = range ra {
	}
	return actionFor(name, v)
}

func actionFor(name string, v any) (core.Action, error) {
	var err error
	switch name {
	case "output":
		var a core.Output
		err = decode(v, &a.Port)
		return a, err
	case "controller":
		var a core.ToController
		err = decode(v, &a.Cookie)
		return a, err
	case "set_tunnel":
		var a core.SetTunnelID
		err = decode(v, &a.ID)
		return a, err
	case "set_vlan_tci":
		var a core.SetVLANTCI
		err = decode(v, &a.TCI)
		return a, err
	case "strip_vlan":
		return core.StripVLAN{}, nil
	case "set_eth_src":
		var m MAC
		err = decode(v, &m)
		return core.SetEthSrc{Addr: m}, err
	case "set_eth_dst":
		var m MAC
		err = decode(v, &m)
		return core.SetEthDst{Addr: m}, err
	case "set_ip_src", "set_ip_dst":
		var a netip.Addr
		if err = decode(v, &a); err != nil {
			return nil, err
		}
		if !a.Is4() {
			return nil, fmt.Errorf("%s: %s is not IPv4", name, a)
		}
		if name == "set_ip_src" {
			return core.SetIPv4Src{Addr: a.As4()}, nil
		}
		return core.SetIPv4Dst{Addr: a.As4()}, nil
	case "set_ip_tos":
		var a core.SetIPTOS
		err = decode(v, &a.TOS)
		return a, err
	case "set_tp_src":
		var a core.SetTPSrc
		err = decode(v, &a.Port)
		return a, err
	case "set_tp_dst":
		var a core.SetTPDst
		err = decode(v, &a.Port)
		return a, err
	case "set_priority":
		var a core.SetPriority
		err = decode(v, &a.Priority)
		return a, err
	case "pop_priority":
		return core.PopPriority{}, nil
	case "drop_spoofed_arp":
		return core.DropSpoofedARP{}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", name)
	}
}

// decode converts a YAML value with the flow file hooks. Unknown map keys
// are errors.
func decode(in, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToMACHook,
			stringToAddrHook,
			hexStringToUintHook,
		),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return d.Decode(in)
}

var (
	macType  = reflect.TypeOf(MAC{})
	addrType = reflect.TypeOf(netip.Addr{})
)

func stringToMACHook(f, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != macType {
		return data, nil
	}
	hw, err := net.ParseMAC(data.(string))
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("%q is not an Ethernet address", data)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func stringToAddrHook(f, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != addrType {
		return data, nil
	}
	return netip.ParseAddr(data.(string))
}

// hexStringToUintHook accepts quoted integers in any base strconv knows
// ("0x0800", "0o17", "42").
func hexStringToUintHook(f, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	switch t.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	n, err := strconv.ParseUint(s, 0, t.Bits())
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, err)
	}
	return reflect.ValueOf(n).Convert(t).Interface(), nil
}
