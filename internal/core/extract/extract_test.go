package extract

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ndp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowpath/internal/core"
)

var (
	macA = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	macB = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
)

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func tcpv4Frame(t testing.TB, vlan bool) []byte {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, TOS: 0x2b,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Seq: 1, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	if !vlan {
		return serialize(t, eth, ip, tcp)
	}
	eth.EthernetType = layers.EthernetTypeDot1Q
	tag := &layers.Dot1Q{Priority: 3, VLANIdentifier: 10, Type: layers.EthernetTypeIPv4}
	return serialize(t, eth, tag, ip, tcp)
}

func extract(t *testing.T, frame []byte, inPort uint16) (core.FlowKey, bool, *core.Packet) {
	t.Helper()
	pkt := core.NewPacket(frame, inPort)
	key, isFrag, err := Extract(pkt)
	require.NoError(t, err)
	return key, isFrag, pkt
}

func TestExtractTooShort(t *testing.T) {
	pkt := core.NewPacket(make([]byte, 13), 1)
	_, _, err := Extract(pkt)
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func TestExtractEthernetOnly(t *testing.T) {
	frame := append(append(append([]byte{}, macB...), macA...), 0x88, 0xcc)
	key, isFrag, pkt := extract(t, frame, 3)

	assert.False(t, isFrag)
	assert.Equal(t, uint16(3), key.InPort)
	assert.Equal(t, uint16(0x88cc), key.EthType)
	assert.Equal(t, [6]byte(macA), key.EthSrc)
	assert.Equal(t, [6]byte(macB), key.EthDst)
	assert.Equal(t, 14, pkt.L3)
	assert.Equal(t, -1, pkt.L4)
}

func TestExtractTCPv4(t *testing.T) {
	frame := tcpv4Frame(t, false)
	pkt := core.NewPacket(frame, 1)
	pkt.TunnelID = 0xfeed
	key, isFrag, err := Extract(pkt)
	require.NoError(t, err)

	assert.False(t, isFrag)
	assert.Equal(t, uint64(0xfeed), key.TunnelID)
	assert.Equal(t, uint16(core.EthTypeIPv4), key.EthType)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), key.IPv4Src())
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), key.IPv4Dst())
	assert.Equal(t, uint8(core.IPProtoTCP), key.NwProto)
	assert.Equal(t, uint8(0x28), key.NwTOS, "ECN bits must be masked")
	assert.Equal(t, uint16(40000), key.TPSrc)
	assert.Equal(t, uint16(80), key.TPDst)
	assert.False(t, key.HasVLAN())
	assert.Equal(t, 14, pkt.L3)
	assert.Equal(t, 34, pkt.L4)
	assert.Equal(t, 20, pkt.L3Len)
}

func TestExtractInlineVLAN(t *testing.T) {
	key, _, pkt := extract(t, tcpv4Frame(t, true), 1)

	assert.True(t, key.HasVLAN())
	assert.Equal(t, uint16(3<<13|10|core.VLANTagPresent), key.VLANTCI)
	assert.Equal(t, uint16(core.EthTypeIPv4), key.EthType)
	assert.Equal(t, uint16(80), key.TPDst)
	assert.Equal(t, 18, pkt.L3)
}

func TestExtractHardwareVLAN(t *testing.T) {
	pkt := core.NewPacket(tcpv4Frame(t, false), 1)
	pkt.HWVLANTCI = 42
	pkt.HWVLANPresent = true
	key, _, err := Extract(pkt)
	require.NoError(t, err)

	assert.Equal(t, uint16(42|core.VLANTagPresent), key.VLANTCI)
	assert.Equal(t, 14, pkt.L3)
}

func TestExtractTruncatedVLAN(t *testing.T) {
	frame := append(append(append([]byte{}, macB...), macA...), 0x81, 0x00, 0x00)
	key, _, _ := extract(t, frame, 1)

	assert.False(t, key.HasVLAN())
	assert.Equal(t, uint16(core.EthTypeVLAN), key.EthType)
}

func TestExtractLLCSNAP(t *testing.T) {
	frame := append(append([]byte{}, macB...), macA...)
	frame = append(frame,
		0x00, 0x30, // length
		0xAA, 0xAA, 0x03, // LLC: SNAP
		0x00, 0x00, 0x00, // OUI
		0x08, 0x06, // ARP
	)
	key, _, pkt := extract(t, frame, 1)
	assert.Equal(t, uint16(core.EthTypeARP), key.EthType)
	assert.Equal(t, 22, pkt.L3)
}

func TestExtractPlain8022(t *testing.T) {
	frame := append(append([]byte{}, macB...), macA...)
	frame = append(frame,
		0x00, 0x26, // length
		0x42, 0x42, 0x03, // LLC: STP
		0x00, 0x00, 0x00, 0x00, 0x00,
	)
	key, _, pkt := extract(t, frame, 1)
	assert.Equal(t, uint16(core.EthType8022), key.EthType)
	assert.Equal(t, 14, pkt.L3)

	// SNAP with a non-zero OUI is still plain 802.2.
	frame[14], frame[15], frame[17] = 0xAA, 0xAA, 0x01
	key, _, _ = extract(t, frame, 1)
	assert.Equal(t, uint16(core.EthType8022), key.EthType)
}

func TestExtractIPv4Fragment(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64,
		Protocol:   layers.IPProtocolUDP,
		Flags:      layers.IPv4MoreFragments,
		FragOffset: 0,
		SrcIP:      net.IP{10, 0, 0, 1},
		DstIP:      net.IP{10, 0, 0, 2},
	}
	udp := []byte{0x13, 0x88, 0x00, 0x35, 0x00, 0x08, 0x00, 0x00}
	frame := serialize(t, eth, ip, gopacket.Payload(udp))

	key, isFrag, pkt := extract(t, frame, 1)
	assert.True(t, isFrag)
	assert.Equal(t, uint8(core.IPProtoUDP), key.NwProto)
	assert.Zero(t, key.TPSrc)
	assert.Zero(t, key.TPDst)
	assert.Equal(t, 34, pkt.L4, "first fragment keeps its transport header")

	ip.Flags = 0
	ip.FragOffset = 100
	frame = serialize(t, eth, ip, gopacket.Payload(udp))
	_, isFrag, pkt = extract(t, frame, 1)
	assert.True(t, isFrag)
	assert.Equal(t, -1, pkt.L4)
}

func TestExtractGSOUDPIsFragment(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	pkt := core.NewPacket(serialize(t, eth, ip, udp), 1)
	pkt.GSOUDP = true

	key, isFrag, err := Extract(pkt)
	require.NoError(t, err)
	assert.True(t, isFrag)
	assert.Zero(t, key.TPDst)
}

func TestExtractMalformedIPv4(t *testing.T) {
	frame := tcpv4Frame(t, false)
	frame[14] = 0x43 // IHL 3 is below the minimum

	key, isFrag, pkt := extract(t, frame, 1)
	assert.False(t, isFrag)
	assert.Equal(t, uint16(core.EthTypeIPv4), key.EthType)
	assert.Equal(t, [16]byte{}, key.NwSrc)
	assert.Zero(t, key.NwProto)
	assert.Zero(t, key.TPDst)
	assert.Equal(t, pkt.L3, pkt.L4)
	assert.Zero(t, pkt.L3Len)

	// An IHL reaching past the frame is rejected too.
	frame[14] = 0x4f
	key, _, pkt = extract(t, frame[:40], 1)
	assert.Zero(t, key.NwProto)
	assert.Zero(t, pkt.L3Len)

	// A header cut short by the frame degrades the same way.
	key, _, pkt = extract(t, frame[:20], 1)
	assert.Zero(t, key.NwProto)
	assert.Equal(t, pkt.L3, pkt.L4)
	assert.Zero(t, pkt.L3Len)
}

func TestExtractTruncatedTCP(t *testing.T) {
	frame := tcpv4Frame(t, false)
	key, _, _ := extract(t, frame[:34+10], 1)
	assert.Equal(t, uint8(core.IPProtoTCP), key.NwProto)
	assert.Zero(t, key.TPSrc)
}

func TestExtractICMP(t *testing.T) {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 3)}

	key, _, _ := extract(t, serialize(t, eth, ip, icmp), 1)
	assert.Equal(t, uint16(3), key.TPSrc)
	assert.Equal(t, uint16(3), key.TPDst)
}

func arpFrame(op uint16, sha net.HardwareAddr) []byte {
	frame := append(append([]byte{}, macB...), macA...)
	frame = append(frame, 0x08, 0x06)
	frame = append(frame,
		0x00, 0x01, // hrd: Ethernet
		0x08, 0x00, // pro: IPv4
		0x06, 0x04, // hln, pln
		byte(op>>8), byte(op),
	)
	frame = append(frame, sha...)
	frame = append(frame, 192, 168, 1, 1)
	frame = append(frame, 0, 0, 0, 0, 0, 0)
	frame = append(frame, 192, 168, 1, 2)
	return frame
}

func TestExtractARP(t *testing.T) {
	key, isFrag, pkt := extract(t, arpFrame(1, macA), 1)

	assert.False(t, isFrag)
	assert.Equal(t, uint8(1), key.NwProto)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), key.IPv4Src())
	assert.Equal(t, netip.MustParseAddr("192.168.1.2"), key.IPv4Dst())
	assert.Equal(t, [6]byte(macA), key.ARPSHA)
	assert.Equal(t, [6]byte{}, key.ARPTHA)
	assert.Equal(t, -1, pkt.L4)
}

func TestExtractARPOpcodes(t *testing.T) {
	// RARP request: opcode recorded, addresses not.
	key, _, _ := extract(t, arpFrame(3, macA), 1)
	assert.Equal(t, uint8(3), key.NwProto)
	assert.Equal(t, [16]byte{}, key.NwSrc)

	key, _, _ = extract(t, arpFrame(0x0101, macA), 1)
	assert.Zero(t, key.NwProto)
	assert.Equal(t, [6]byte{}, key.ARPSHA)

	// Wrong hardware length leaves everything zero.
	frame := arpFrame(1, macA)
	frame[18] = 8
	key, _, _ = extract(t, frame, 1)
	assert.Zero(t, key.NwProto)
}

func TestIsSpoofedARP(t *testing.T) {
	assert.False(t, IsSpoofedARP(arpFrame(2, macA), 14))
	assert.True(t, IsSpoofedARP(arpFrame(2, macB), 14))
	assert.True(t, IsSpoofedARP(arpFrame(2, macA)[:30], 14))
}

func ipv6Frame(t *testing.T, next layers.IPProtocol, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version: 6, TrafficClass: 0xb9, HopLimit: 255,
		NextHeader: next,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("fe80::2"),
	}
	return serialize(t, eth, ip, gopacket.Payload(payload))
}

func TestExtractIPv6ExtensionChain(t *testing.T) {
	payload := []byte{
		17, 0, 1, 4, 0, 0, 0, 0, // hop-by-hop, next UDP, PadN
		0x03, 0xe8, 0x00, 0x35, 0x00, 0x08, 0x00, 0x00, // UDP 1000 -> 53
	}
	key, isFrag, pkt := extract(t, ipv6Frame(t, layers.IPProtocolIPv6HopByHop, payload), 1)

	assert.False(t, isFrag)
	assert.Equal(t, uint16(core.EthTypeIPv6), key.EthType)
	assert.Equal(t, netip.MustParseAddr("fe80::1"), netip.AddrFrom16(key.NwSrc))
	assert.Equal(t, uint8(0xb8), key.NwTOS)
	assert.Equal(t, uint8(core.IPProtoUDP), key.NwProto)
	assert.Equal(t, uint16(1000), key.TPSrc)
	assert.Equal(t, uint16(53), key.TPDst)
	assert.Equal(t, 14+40+8, pkt.L4)
	assert.Equal(t, 48, pkt.L3Len)
}

func TestExtractIPv6NoNextHeader(t *testing.T) {
	// Hop-by-hop header followed by No Next Header.
	payload := []byte{59, 0, 1, 4, 0, 0, 0, 0}
	key, isFrag, pkt := extract(t, ipv6Frame(t, layers.IPProtocolIPv6HopByHop, payload), 1)

	assert.False(t, isFrag)
	assert.Equal(t, uint8(59), key.NwProto)
	assert.Zero(t, key.TPSrc)
	assert.Equal(t, netip.MustParseAddr("fe80::2"), netip.AddrFrom16(key.NwDst))
	assert.Equal(t, 14+40+8, pkt.L4)

	// No extension headers at all.
	key, _, pkt = extract(t, ipv6Frame(t, layers.IPProtocolNoNextHeader, nil), 1)
	assert.Equal(t, uint8(59), key.NwProto)
	assert.Equal(t, 14+40, pkt.L4)
}

func TestExtractIPv6BadChain(t *testing.T) {
	// Hop-by-hop header cut off after its next-header byte.
	key, _, pkt := extract(t, ipv6Frame(t, layers.IPProtocolIPv6HopByHop, []byte{17}), 1)

	assert.Zero(t, key.NwProto)
	assert.Equal(t, netip.MustParseAddr("fe80::2"), netip.AddrFrom16(key.NwDst))
	assert.Equal(t, pkt.L3, pkt.L4)
	assert.Zero(t, pkt.L3Len)
}

func TestExtractIPv6Fragment(t *testing.T) {
	payload := []byte{
		17, 0, 0x00, 0x19, 0, 0, 0, 1, // fragment, offset 3, next UDP
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	key, isFrag, _ := extract(t, ipv6Frame(t, layers.IPProtocolIPv6Fragment, payload), 1)
	assert.True(t, isFrag)
	assert.Equal(t, uint8(44), key.NwProto)
	assert.Zero(t, key.TPSrc)
}

func neighborSolicitation(t *testing.T, opts ...ndp.Option) []byte {
	t.Helper()
	msg := &ndp.NeighborSolicitation{
		TargetAddress: netip.MustParseAddr("fe80::2"),
		Options:       opts,
	}
	b, err := ndp.MarshalMessage(msg)
	require.NoError(t, err)
	return b
}

func TestExtractNeighborSolicitation(t *testing.T) {
	body := neighborSolicitation(t, &ndp.LinkLayerAddress{Direction: ndp.Source, Addr: macA})
	key, _, _ := extract(t, ipv6Frame(t, layers.IPProtocolICMPv6, body), 1)

	assert.True(t, key.IsND())
	assert.Equal(t, core.NDNeighborSolicitation, key.TPSrc)
	assert.Zero(t, key.TPDst)
	assert.Equal(t, netip.MustParseAddr("fe80::2"), netip.AddrFrom16(key.NDTarget))
	assert.Equal(t, [6]byte(macA), key.ARPSHA)
	assert.Equal(t, [6]byte{}, key.ARPTHA)
}

func TestExtractNeighborDiscoveryInvalidOptions(t *testing.T) {
	body := neighborSolicitation(t, &ndp.LinkLayerAddress{Direction: ndp.Source, Addr: macA})

	t.Run("duplicate", func(t *testing.T) {
		dup := append(append([]byte{}, body...), 1, 1)
		dup = append(dup, macB...)
		key, _, _ := extract(t, ipv6Frame(t, layers.IPProtocolICMPv6, dup), 1)

		assert.Equal(t, core.NDNeighborSolicitation, key.TPSrc)
		assert.Equal(t, [16]byte{}, key.NDTarget)
		assert.Equal(t, [6]byte{}, key.ARPSHA)
	})

	t.Run("overlong", func(t *testing.T) {
		bad := append([]byte{}, body...)
		bad[len(bad)-7] = 4 // option length 32 bytes
		key, _, _ := extract(t, ipv6Frame(t, layers.IPProtocolICMPv6, bad), 1)

		assert.Equal(t, core.NDNeighborSolicitation, key.TPSrc)
		assert.Equal(t, [16]byte{}, key.NDTarget)
		assert.Equal(t, [6]byte{}, key.ARPSHA)
	})
}

func TestExtractDeterministic(t *testing.T) {
	frames := [][]byte{
		tcpv4Frame(t, false),
		tcpv4Frame(t, true),
		arpFrame(2, macA),
		ipv6Frame(t, layers.IPProtocolICMPv6,
			neighborSolicitation(t, &ndp.LinkLayerAddress{Direction: ndp.Source, Addr: macA})),
	}
	for _, frame := range frames {
		first, _, _ := extract(t, append([]byte(nil), frame...), 7)
		for i := 0; i < 3; i++ {
			again, _, _ := extract(t, append([]byte(nil), frame...), 7)
			assert.Equal(t, first.Bytes(), again.Bytes())
			assert.Equal(t, first, again)
		}
	}
}

func BenchmarkExtractTCPv4(b *testing.B) {
	frame := tcpv4Frame(b, false)
	pkt := core.NewPacket(frame, 1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Extract(pkt)
	}
}
