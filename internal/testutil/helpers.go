package testutil

import (
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// RequireVM skips the test if the BRICKS_VM_TEST environment variable is not set.
// Tests that need real kernel capabilities (nfqueue, nftables, interfaces)
// only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("BRICKS_VM_TEST") == "" {
		t.Skip("Skipping test: requires BRICKS_VM_TEST environment")
	}
}

// Frame describes a test packet.
type Frame struct {
	SrcMAC  string
	DstMAC  string
	Src     string
	Dst     string
	SrcPort uint16
	DstPort uint16
	// Proto is "tcp" (default), "udp" or "icmp".
	Proto   string
	Payload []byte
}

// Ethernet serialises f as an Ethernet frame with valid lengths and checksums.
func Ethernet(t testing.TB, f Frame) []byte {
	t.Helper()
	return build(t, f, true)
}

// IP serialises f as a bare IP packet without the link layer.
func IP(t testing.TB, f Frame) []byte {
	t.Helper()
	return build(t, f, false)
}

func build(t testing.TB, f Frame, withEth bool) []byte {
	t.Helper()

	src := netip.MustParseAddr(f.Src)
	dst := netip.MustParseAddr(f.Dst)

	var ls []gopacket.SerializableLayer
	var netLayer gopacket.NetworkLayer

	ethType := layers.EthernetTypeIPv4
	if src.Is6() {
		ethType = layers.EthernetTypeIPv6
	}

	if withEth {
		srcMAC := mustMAC(t, f.SrcMAC, "02:00:00:00:00:01")
		dstMAC := mustMAC(t, f.DstMAC, "02:00:00:00:00:02")
		ls = append(ls, &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: ethType})
	}

	proto := layers.IPProtocolTCP
	switch f.Proto {
	case "udp":
		proto = layers.IPProtocolUDP
	case "icmp":
		proto = layers.IPProtocolICMPv4
	}

	if src.Is4() {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice())}
		netLayer = ip
		ls = append(ls, ip)
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice())}
		netLayer = ip
		ls = append(ls, ip)
	}

	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(f.SrcPort), DstPort: layers.TCPPort(f.DstPort), SYN: true, Window: 1024}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			t.Fatalf("tcp checksum: %v", err)
		}
		ls = append(ls, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.SrcPort), DstPort: layers.UDPPort(f.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			t.Fatalf("udp checksum: %v", err)
		}
		ls = append(ls, udp)
	case layers.IPProtocolICMPv4:
		ls = append(ls, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	}
	ls = append(ls, gopacket.Payload(f.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize test frame: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func mustMAC(t testing.TB, s, def string) net.HardwareAddr {
	t.Helper()
	if s == "" {
		s = def
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("bad mac %q: %v", s, err)
	}
	return hw
}
