// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/testutil"
)

func TestDecodeEthernet_TCP(t *testing.T) {
	data := testutil.Ethernet(t, testutil.Frame{
		SrcMAC: "aa:bb:cc:00:00:01", DstMAC: "aa:bb:cc:00:00:02",
		Src: "10.0.0.1", Dst: "10.0.0.2", SrcPort: 40000, DstPort: 80,
		Payload: []byte("GET /"),
	})

	p, err := DecodeEthernet(data)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:00:00:01", p.SrcMAC.String())
	assert.Equal(t, "aa:bb:cc:00:00:02", p.DstMAC.String())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), p.SrcIP)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), p.DstIP)
	assert.Equal(t, uint16(40000), p.SrcPort)
	assert.Equal(t, uint16(80), p.DstPort)
	assert.Equal(t, uint8(6), p.Proto)
	assert.Equal(t, len(data), p.Len())
}

func TestDecodeIP_Versions(t *testing.T) {
	v4 := testutil.IP(t, testutil.Frame{Src: "192.0.2.1", Dst: "192.0.2.2", SrcPort: 53, DstPort: 5353, Proto: "udp"})
	p, err := DecodeIP(v4)
	require.NoError(t, err)
	assert.Equal(t, layers.LayerTypeIPv4, p.FirstLayer)
	assert.Equal(t, uint8(17), p.Proto)
	assert.Nil(t, p.SrcMAC)

	v6 := testutil.IP(t, testutil.Frame{Src: "2001:db8::1", Dst: "2001:db8::2", SrcPort: 1, DstPort: 443})
	p, err = DecodeIP(v6)
	require.NoError(t, err)
	assert.Equal(t, layers.LayerTypeIPv6, p.FirstLayer)
	assert.Equal(t, netip.MustParseAddr("2001:db8::2"), p.DstIP)
	assert.Equal(t, uint16(443), p.DstPort)

	_, err = DecodeIP(nil)
	assert.Error(t, err)
	_, err = DecodeIP([]byte{0x10, 0, 0})
	assert.Error(t, err)
}

func TestModifiers_RewriteTTLAndPort(t *testing.T) {
	data := testutil.Ethernet(t, testutil.Frame{Src: "10.0.0.1", Dst: "10.0.0.2", SrcPort: 1234, DstPort: 80})
	p, err := DecodeEthernet(data)
	require.NoError(t, err)
	p.Interface = "eth0"
	orig := append([]byte(nil), p.Data...)

	mods := DefaultModifiers()
	require.NoError(t, mods.Apply(p, "tcp.dstport", []byte{0x1F, 0x90}))
	assert.Equal(t, uint16(8080), p.DstPort)
	assert.Equal(t, "eth0", p.Interface)
	assert.Equal(t, orig, data, "source bytes must not be rewritten")

	require.NoError(t, mods.Apply(p, "ipv4.ttl", []byte{7}))
	ttlPacket, err := DecodeEthernet(p.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), ttlPacket.DstPort)
	// TTL lives at byte 8 of the IPv4 header after the 14-byte Ethernet header.
	assert.Equal(t, byte(7), p.Data[14+8])
}

func TestModifiers_Errors(t *testing.T) {
	data := testutil.Ethernet(t, testutil.Frame{Src: "10.0.0.1", Dst: "10.0.0.2", SrcPort: 1, DstPort: 2, Proto: "udp"})
	p, err := DecodeEthernet(data)
	require.NoError(t, err)

	mods := DefaultModifiers()
	assert.Error(t, mods.Apply(p, "no.such.field", []byte{1}))
	assert.Error(t, mods.Apply(p, "tcp.dstport", []byte{0, 1}), "udp packet has no tcp layer")
	assert.Error(t, mods.Apply(p, "udp.dstport", []byte{1}), "wrong value length")
	require.NoError(t, mods.Apply(p, "udp.dstport", []byte{0, 99}))
	assert.Equal(t, uint16(99), p.DstPort)

	assert.True(t, mods.Has("ipv6.hoplimit"))
	assert.Contains(t, mods.Names(), "eth.dst")
}
