// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/packet"
)

// Match checks if a packet matches a record's criteria. Liveness and
// interface binding are the caller's concern.
func Match(rec *filter.Record, pkt *packet.Packet) bool {
	// A record protocol restricts every variant.
	if rec.Proto != filter.ProtoAny && rec.Proto != pkt.Proto {
		return false
	}

	switch m := rec.Match.(type) {
	case filter.AnyMatch:
		return true
	case filter.EthMatch:
		return MatchMAC(m, pkt)
	case filter.IPv4Match:
		return MatchIPv4(m, pkt)
	case filter.IPv6Match:
		return MatchIPv6(m, pkt)
	case filter.ConnMatch:
		if MatchConn(m, pkt.SrcIP, pkt.DstIP, pkt.SrcPort, pkt.DstPort, pkt.Proto) {
			return true
		}
		// Flow filters also match the reverse direction
		if rec.Type == filter.TypeFlow {
			return MatchConn(m, pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort, pkt.Proto)
		}
	}
	return false
}

// MatchMAC checks the packet's source or destination MAC.
func MatchMAC(m filter.EthMatch, pkt *packet.Packet) bool {
	return bytes.Equal(pkt.SrcMAC, m.Addr[:]) || bytes.Equal(pkt.DstMAC, m.Addr[:])
}

// MatchIPv4 checks the packet's source or destination against the prefix.
func MatchIPv4(m filter.IPv4Match, pkt *packet.Packet) bool {
	return inPrefix(m, pkt.SrcIP) || inPrefix(m, pkt.DstIP)
}

func inPrefix(m filter.IPv4Match, a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])&m.Mask == m.Masked
}

// MatchIPv6 checks the packet's source or destination for an exact match.
func MatchIPv6(m filter.IPv6Match, pkt *packet.Packet) bool {
	return ipv6Equal(m, pkt.SrcIP) || ipv6Equal(m, pkt.DstIP)
}

func ipv6Equal(m filter.IPv6Match, a netip.Addr) bool {
	return a.Is6() && !a.Is4In6() && a.As16() == m.Addr
}

// MatchConn checks a 5-tuple. Zero fields in m are wildcards.
func MatchConn(m filter.ConnMatch, src, dst netip.Addr, sport, dport uint16, proto uint8) bool {
	if m.Src.IsValid() && m.Src != src {
		return false
	}
	if m.Dst.IsValid() && m.Dst != dst {
		return false
	}
	if m.SrcPort != 0 && m.SrcPort != sport {
		return false
	}
	if m.DstPort != 0 && m.DstPort != dport {
		return false
	}
	if m.Proto != 0 && m.Proto != proto {
		return false
	}
	return true
}
