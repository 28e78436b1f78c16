// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// Match is the address criterion of a filter. Exactly one concrete variant
// is held by a Record: EthMatch, IPv4Match, IPv6Match, ConnMatch or AnyMatch.
type Match interface {
	// Key is a canonical string used for duplicate detection and key lookups.
	Key() string
	String() string
	isMatch()
}

// EthMatch matches a MAC address.
type EthMatch struct {
	Addr [6]byte
}

// IPv4Match matches an IPv4 prefix. Mask and Masked are computed once by
// NewIPv4Match.
type IPv4Match struct {
	Addr   uint32
	Prefix uint8
	Mask   uint32
	Masked uint32
}

// IPv6Match matches a single IPv6 address exactly.
type IPv6Match struct {
	Addr [16]byte
}

// ConnMatch matches a 5-tuple. Zero-valued fields are wildcards.
type ConnMatch struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// AnyMatch is the NO_FILTER variant; it matches every packet.
type AnyMatch struct{}

func (EthMatch) isMatch()  {}
func (IPv4Match) isMatch() {}
func (IPv6Match) isMatch() {}
func (ConnMatch) isMatch() {}
func (AnyMatch) isMatch()  {}

// NewEthMatch builds a MAC match from a 6-byte hardware address.
func NewEthMatch(hw net.HardwareAddr) (EthMatch, error) {
	if len(hw) != 6 {
		return EthMatch{}, fmt.Errorf("mac address must be 6 bytes, got %d", len(hw))
	}
	var m EthMatch
	copy(m.Addr[:], hw)
	return m, nil
}

// NewIPv4Match builds an IPv4 prefix match and caches mask and masked address.
func NewIPv4Match(addr netip.Addr, prefix uint8) (IPv4Match, error) {
	if !addr.Is4() {
		return IPv4Match{}, fmt.Errorf("%s is not an IPv4 address", addr)
	}
	if prefix > 32 {
		return IPv4Match{}, fmt.Errorf("ipv4 prefix /%d out of range", prefix)
	}
	b := addr.As4()
	a := binary.BigEndian.Uint32(b[:])
	mask := PrefixMask(prefix)
	return IPv4Match{Addr: a, Prefix: prefix, Mask: mask, Masked: a & mask}, nil
}

// PrefixMask returns the host-order netmask for a prefix length.
func PrefixMask(prefix uint8) uint32 {
	if prefix == 0 {
		return 0
	}
	if prefix >= 32 {
		return 0xFFFFFFFF
	}
	return ^uint32(0) << (32 - prefix)
}

// NewIPv6Match builds an exact IPv6 match.
func NewIPv6Match(addr netip.Addr) (IPv6Match, error) {
	if !addr.Is6() || addr.Is4In6() {
		return IPv6Match{}, fmt.Errorf("%s is not an IPv6 address", addr)
	}
	return IPv6Match{Addr: addr.As16()}, nil
}

// NewConnMatch builds a 5-tuple match. Invalid (zero) addresses are wildcards;
// when both addresses are set they must share a family.
func NewConnMatch(src, dst netip.Addr, sport, dport uint16, proto uint8) (ConnMatch, error) {
	src, dst = src.Unmap(), dst.Unmap()
	if src.IsValid() && dst.IsValid() && src.Is4() != dst.Is4() {
		return ConnMatch{}, fmt.Errorf("connection addresses %s and %s differ in family", src, dst)
	}
	return ConnMatch{Src: normalizeWildcard(src), Dst: normalizeWildcard(dst), SrcPort: sport, DstPort: dport, Proto: proto}, nil
}

// normalizeWildcard folds the all-zero addresses onto the invalid Addr so
// that 0.0.0.0 and :: act as wildcards.
func normalizeWildcard(a netip.Addr) netip.Addr {
	if a.IsValid() && a.IsUnspecified() {
		return netip.Addr{}
	}
	return a
}

// IP returns the IPv4 address as a netip.Addr.
func (m IPv4Match) IP() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m.Addr)
	return netip.AddrFrom4(b)
}

func (m EthMatch) Key() string  { return "mac:" + m.String() }
func (m IPv4Match) Key() string { return fmt.Sprintf("ip4:%08x/%d", m.Masked, m.Prefix) }
func (m IPv6Match) Key() string { return "ip6:" + netip.AddrFrom16(m.Addr).String() }
func (m ConnMatch) Key() string { return "conn:" + m.String() }
func (AnyMatch) Key() string    { return "any" }

func (m EthMatch) String() string {
	return net.HardwareAddr(m.Addr[:]).String()
}

func (m IPv4Match) String() string {
	return fmt.Sprintf("%s/%d", m.IP(), m.Prefix)
}

func (m IPv6Match) String() string {
	return netip.AddrFrom16(m.Addr).String()
}

func (m ConnMatch) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s proto %s",
		addrOrAny(m.Src), portOrAny(m.SrcPort), addrOrAny(m.Dst), portOrAny(m.DstPort), protoOrAny(m.Proto))
}

func (AnyMatch) String() string { return "any" }

func addrOrAny(a netip.Addr) string {
	if !a.IsValid() {
		return "*"
	}
	return a.String()
}

func portOrAny(p uint16) string {
	if p == 0 {
		return "*"
	}
	return fmt.Sprint(p)
}

func protoOrAny(p uint8) string {
	if p == 0 {
		return "*"
	}
	return fmt.Sprint(p)
}
