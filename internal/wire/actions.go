package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"

	"firestige.xyz/flowpath/internal/core"
)

// EncodeActions serializes an action list in order. An empty list encodes
// to no bytes.
func EncodeActions(acts *core.ActionList) ([]byte, error) {
	if acts.Len() == 0 {
		return []byte{}, nil
	}
	ae := netlink.NewAttributeEncoder()
	for _, a := range acts.Actions {
		if err := ValidateAction(a); err != nil {
			return nil, err
		}
		switch a := a.(type) {
		case core.Output:
			ae.Uint32(ActionAttrOutput, uint32(a.Port))
		case core.ToController:
			ae.Uint64(ActionAttrController, a.Cookie)
		case core.SetVLANTCI:
			ae.Bytes(ActionAttrSetDLTCI, binary.BigEndian.AppendUint16(nil, a.TCI))
		case core.StripVLAN:
			ae.Flag(ActionAttrStripVLAN, true)
		case core.SetEthSrc:
			ae.Bytes(ActionAttrSetDLSrc, a.Addr[:])
		case core.SetEthDst:
			ae.Bytes(ActionAttrSetDLDst, a.Addr[:])
		case core.SetIPv4Src:
			ae.Bytes(ActionAttrSetNWSrc, a.Addr[:])
		case core.SetIPv4Dst:
			ae.Bytes(ActionAttrSetNWDst, a.Addr[:])
		case core.SetIPTOS:
			ae.Bytes(ActionAttrSetNWTOS, []byte{a.TOS})
		case core.SetTPSrc:
			ae.Bytes(ActionAttrSetTPSrc, binary.BigEndian.AppendUint16(nil, a.Port))
		case core.SetTPDst:
			ae.Bytes(ActionAttrSetTPDst, binary.BigEndian.AppendUint16(nil, a.Port))
		case core.SetTunnelID:
			ae.Bytes(ActionAttrSetTunnel, binary.BigEndian.AppendUint64(nil, a.ID))
		case core.SetPriority:
			ae.Uint32(ActionAttrSetPriority, a.Priority)
		case core.PopPriority:
			ae.Flag(ActionAttrPopPriority, true)
		case core.DropSpoofedARP:
			ae.Flag(ActionAttrDropSpoofedARP, true)
		default:
			return nil, fmt.Errorf("%w: %T", core.ErrInvalidAction, a)
		}
	}
	return ae.Encode()
}

// DecodeActions parses and validates an action list. Any attribute order is
// accepted.
func DecodeActions(b []byte) (*core.ActionList, error) {
	if err := checkFraming(b); err != nil {
		return nil, err
	}
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAttribute, err)
	}

	var acts []core.Action
	for ad.Next() {
		typ := ad.Type()
		data := ad.Bytes()
		if typ == ActionAttrUnspec || typ > actionAttrMax {
			return nil, fmt.Errorf("%w: action attribute %d: unknown type", core.ErrInvalidAttribute, typ)
		}
		if len(data) != actionAttrLens[typ] {
			return nil, fmt.Errorf("%w: action attribute %d: length %d",
				core.ErrInvalidAttribute, typ, len(data))
		}
		a, err := parseAction(typ, data)
		if err != nil {
			return nil, err
		}
		acts = append(acts, a)
	}
	if err := ad.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAttribute, err)
	}
	return core.NewActionList(acts...), nil
}

func parseAction(typ uint16, data []byte) (core.Action, error) {
	var a core.Action
	switch typ {
	case ActionAttrOutput:
		port := binary.NativeEndian.Uint32(data)
		if port >= core.MaxPorts {
			return nil, fmt.Errorf("%w: output port %d out of range", core.ErrInvalidAction, port)
		}
		a = core.Output{Port: uint16(port)}
	case ActionAttrController:
		a = core.ToController{Cookie: binary.NativeEndian.Uint64(data)}
	case ActionAttrSetDLTCI:
		a = core.SetVLANTCI{TCI: binary.BigEndian.Uint16(data)}
	case ActionAttrStripVLAN:
		a = core.StripVLAN{}
	case ActionAttrSetDLSrc:
		a = core.SetEthSrc{Addr: [6]byte(data)}
	case ActionAttrSetDLDst:
		a = core.SetEthDst{Addr: [6]byte(data)}
	case ActionAttrSetNWSrc:
		a = core.SetIPv4Src{Addr: [4]byte(data)}
	case ActionAttrSetNWDst:
		a = core.SetIPv4Dst{Addr: [4]byte(data)}
	case ActionAttrSetNWTOS:
		a = core.SetIPTOS{TOS: data[0]}
	case ActionAttrSetTPSrc:
		a = core.SetTPSrc{Port: binary.BigEndian.Uint16(data)}
	case ActionAttrSetTPDst:
		a = core.SetTPDst{Port: binary.BigEndian.Uint16(data)}
	case ActionAttrSetTunnel:
		a = core.SetTunnelID{ID: binary.BigEndian.Uint64(data)}
	case ActionAttrSetPriority:
		a = core.SetPriority{Priority: binary.NativeEndian.Uint32(data)}
	case ActionAttrPopPriority:
		a = core.PopPriority{}
	case ActionAttrDropSpoofedARP:
		a = core.DropSpoofedARP{}
	}
	if err := ValidateAction(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ValidateAction checks the value rules a single action must satisfy to be
// representable on the wire.
func ValidateAction(a core.Action) error {
	switch a := a.(type) {
	case core.Output:
		if a.Port >= core.MaxPorts {
			return fmt.Errorf("%w: output port %d out of range", core.ErrInvalidAction, a.Port)
		}
	case core.SetVLANTCI:
		if a.TCI&core.VLANTagPresent != 0 {
			return fmt.Errorf("%w: tci %#04x has CFI set", core.ErrInvalidAction, a.TCI)
		}
	case core.SetIPTOS:
		if a.TOS&ecnMask != 0 {
			return fmt.Errorf("%w: tos %#02x has ECN bits set", core.ErrInvalidAction, a.TOS)
		}
	case nil:
		return fmt.Errorf("%w: nil action", core.ErrInvalidAction)
	}
	return nil
}

// ValidateActions checks every action in the list.
func ValidateActions(acts *core.ActionList) error {
	if acts == nil {
		return nil
	}
	for i, a := range acts.Actions {
		if err := ValidateAction(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}
