// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet holds the decoded view of an in-flight packet used by the
// matcher and the action dispatcher.
package packet

import (
	"net"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/bricks/internal/errors"
)

// Packet is a decoded packet plus the raw bytes it came from.
type Packet struct {
	Interface string
	Timestamp time.Time

	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr

	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8

	// FirstLayer is the layer Data starts with (Ethernet, IPv4 or IPv6).
	FirstLayer gopacket.LayerType
	Data       []byte
}

// Len returns the wire length used for byte counters.
func (p *Packet) Len() int {
	return len(p.Data)
}

// Clone returns a deep copy, so sinks can keep the bytes after the datapath
// has moved on.
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Data = append([]byte(nil), p.Data...)
	cp.SrcMAC = append(net.HardwareAddr(nil), p.SrcMAC...)
	cp.DstMAC = append(net.HardwareAddr(nil), p.DstMAC...)
	return &cp
}

// DecodeEthernet decodes an Ethernet frame.
func DecodeEthernet(data []byte) (*Packet, error) {
	return Decode(data, layers.LayerTypeEthernet)
}

// DecodeIP decodes a bare IPv4 or IPv6 packet, as delivered by NFQUEUE.
func DecodeIP(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.KindMalformed, "empty packet")
	}
	switch data[0] >> 4 {
	case 4:
		return Decode(data, layers.LayerTypeIPv4)
	case 6:
		return Decode(data, layers.LayerTypeIPv6)
	default:
		return nil, errors.Errorf(errors.KindMalformed, "unknown ip version %d", data[0]>>4)
	}
}

// Decode parses data starting at first and extracts the MAC addresses and
// 5-tuple. Packets without a network layer decode with only MAC fields set.
func Decode(data []byte, first gopacket.LayerType) (*Packet, error) {
	gp := gopacket.NewPacket(data, first, gopacket.DecodeOptions{NoCopy: true, Lazy: true})

	p := &Packet{FirstLayer: first, Data: data}

	if eth, ok := gp.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		p.SrcMAC = eth.SrcMAC
		p.DstMAC = eth.DstMAC
	}

	switch nl := gp.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SrcIP, _ = netip.AddrFromSlice(nl.SrcIP.To4())
		p.DstIP, _ = netip.AddrFromSlice(nl.DstIP.To4())
		p.Proto = uint8(nl.Protocol)
	case *layers.IPv6:
		p.SrcIP, _ = netip.AddrFromSlice(nl.SrcIP.To16())
		p.DstIP, _ = netip.AddrFromSlice(nl.DstIP.To16())
		p.Proto = uint8(nl.NextHeader)
	case nil:
		if first != layers.LayerTypeEthernet {
			if el := gp.ErrorLayer(); el != nil {
				return nil, errors.Wrap(el.Error(), errors.KindMalformed, "decode packet")
			}
			return nil, errors.New(errors.KindMalformed, "no network layer")
		}
		return p, nil
	}

	switch tl := gp.TransportLayer().(type) {
	case *layers.TCP:
		p.SrcPort = uint16(tl.SrcPort)
		p.DstPort = uint16(tl.DstPort)
		p.Proto = uint8(layers.IPProtocolTCP)
	case *layers.UDP:
		p.SrcPort = uint16(tl.SrcPort)
		p.DstPort = uint16(tl.DstPort)
		p.Proto = uint8(layers.IPProtocolUDP)
	}

	if p.Proto == 0 {
		// IPv6 hop-by-hop header; take the protocol from whatever follows.
		if l := gp.Layer(layers.LayerTypeICMPv6); l != nil {
			p.Proto = uint8(layers.IPProtocolICMPv6)
		}
	}

	return p, nil
}
