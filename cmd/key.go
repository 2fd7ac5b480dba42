package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/flowpath/internal/core"
	"firestige.xyz/flowpath/internal/core/extract"
	"firestige.xyz/flowpath/internal/wire"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Extract and decode flow keys",
}

var keyExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the flow key of a frame",
	Long: `Extract the flow key of an Ethernet frame given in hex and print it as
JSON together with its wire encoding. The JSON field names are the flow file
match fields.

Examples:
  flowpath key extract --frame 000000000002000000000001080045... --in-port 1`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runKeyExtract(os.Stdout, keyFrame, keyInPort); err != nil {
			exitWithError("key extract failed", err)
		}
	},
}

var keyDecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a wire-format flow key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runKeyDecode(os.Stdout, args[0]); err != nil {
			exitWithError("key decode failed", err)
		}
	},
}

var (
	keyFrame  string
	keyInPort uint16
)

func init() {
	keyExtractCmd.Flags().StringVar(&keyFrame, "frame", "", "frame bytes in hex (required)")
	keyExtractCmd.Flags().Uint16Var(&keyInPort, "in-port", 0, "ingress port")
	keyExtractCmd.MarkFlagRequired("frame")

	keyCmd.AddCommand(keyExtractCmd)
	keyCmd.AddCommand(keyDecodeCmd)
}

// keyView is the JSON form of a flow key. Fields a key does not carry are
// omitted.
type keyView struct {
	TunID    string  `json:"tun_id,omitempty"`
	InPort   uint16  `json:"in_port"`
	EthSrc   string  `json:"eth_src"`
	EthDst   string  `json:"eth_dst"`
	VLANTCI  *uint16 `json:"vlan_tci,omitempty"`
	EthType  string  `json:"eth_type"`
	IPSrc    string  `json:"ip_src,omitempty"`
	IPDst    string  `json:"ip_dst,omitempty"`
	IPProto  *uint8  `json:"ip_proto,omitempty"`
	IPTOS    uint8   `json:"ip_tos,omitempty"`
	TPSrc    *uint16 `json:"tp_src,omitempty"`
	TPDst    *uint16 `json:"tp_dst,omitempty"`
	ARPSHA   string  `json:"arp_sha,omitempty"`
	ARPTHA   string  `json:"arp_tha,omitempty"`
	NDTarget string  `json:"nd_target,omitempty"`
}

type keyOutput struct {
	Key      keyView `json:"key"`
	Fragment bool    `json:"fragment,omitempty"`
	Wire     string  `json:"wire"`
	String   string  `json:"string"`
}

func newKeyView(k *core.FlowKey) keyView {
	v := keyView{
		InPort:  k.InPort,
		EthSrc:  net.HardwareAddr(k.EthSrc[:]).String(),
		EthDst:  net.HardwareAddr(k.EthDst[:]).String(),
		EthType: fmt.Sprintf("0x%04x", k.EthType),
	}
	if k.TunnelID != 0 {
		v.TunID = fmt.Sprintf("%#x", k.TunnelID)
	}
	if k.HasVLAN() {
		tci := k.VLANTCI &^ core.VLANTagPresent
		v.VLANTCI = &tci
	}

	ports := func() {
		src, dst := k.TPSrc, k.TPDst
		v.TPSrc, v.TPDst = &src, &dst
	}
	proto := k.NwProto
	switch k.EthType {
	case core.EthTypeIPv4:
		v.IPSrc, v.IPDst = k.IPv4Src().String(), k.IPv4Dst().String()
		v.IPProto, v.IPTOS = &proto, k.NwTOS
		if proto == core.IPProtoTCP || proto == core.IPProtoUDP || proto == core.IPProtoICMP {
			ports()
		}
	case core.EthTypeIPv6:
		v.IPSrc = netip.AddrFrom16(k.NwSrc).String()
		v.IPDst = netip.AddrFrom16(k.NwDst).String()
		v.IPProto, v.IPTOS = &proto, k.NwTOS
		if proto == core.IPProtoTCP || proto == core.IPProtoUDP || proto == core.IPProtoICMPv6 {
			ports()
		}
		if k.IsND() {
			v.NDTarget = netip.AddrFrom16(k.NDTarget).String()
			v.ARPSHA = net.HardwareAddr(k.ARPSHA[:]).String()
			v.ARPTHA = net.HardwareAddr(k.ARPTHA[:]).String()
		}
	case core.EthTypeARP:
		v.IPSrc, v.IPDst = k.IPv4Src().String(), k.IPv4Dst().String()
		v.IPProto = &proto
		v.ARPSHA = net.HardwareAddr(k.ARPSHA[:]).String()
		v.ARPTHA = net.HardwareAddr(k.ARPTHA[:]).String()
	}
	return v
}

func writeKey(w io.Writer, k *core.FlowKey, frag bool) error {
	b, err := wire.EncodeKey(k)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(keyOutput{
		Key:      newKeyView(k),
		Fragment: frag,
		Wire:     hex.EncodeToString(b),
		String:   k.String(),
	})
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(s)
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func runKeyExtract(w io.Writer, frameHex string, inPort uint16) error {
	if inPort >= core.MaxPorts {
		return fmt.Errorf("in-port %d out of range", inPort)
	}
	frame, err := decodeHex(frameHex)
	if err != nil {
		return fmt.Errorf("invalid frame hex: %w", err)
	}
	key, frag, err := extract.Extract(core.NewPacket(frame, inPort))
	if err != nil {
		return err
	}
	return writeKey(w, &key, frag)
}

func runKeyDecode(w io.Writer, keyHex string) error {
	b, err := decodeHex(keyHex)
	if err != nil {
		return fmt.Errorf("invalid key hex: %w", err)
	}
	key, err := wire.DecodeKey(b)
	if err != nil {
		return err
	}
	return writeKey(w, &key, false)
}
