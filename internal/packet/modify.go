// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"
	"net"
	"sort"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/bricks/internal/errors"
)

// FieldModifier rewrites one field of a decoded packet in place.
type FieldModifier func(gp gopacket.Packet, value []byte) error

// Modifiers is the registry of MODIFY field selectors.
type Modifiers struct {
	mu sync.RWMutex
	m  map[string]FieldModifier
}

// NewModifiers returns an empty registry.
func NewModifiers() *Modifiers {
	return &Modifiers{m: make(map[string]FieldModifier)}
}

// DefaultModifiers returns a registry with the built-in header selectors.
func DefaultModifiers() *Modifiers {
	r := NewModifiers()
	r.Register("eth.src", ethField(func(e *layers.Ethernet, v net.HardwareAddr) { e.SrcMAC = v }))
	r.Register("eth.dst", ethField(func(e *layers.Ethernet, v net.HardwareAddr) { e.DstMAC = v }))
	r.Register("ipv4.src", ipv4Addr(func(ip *layers.IPv4, v net.IP) { ip.SrcIP = v }))
	r.Register("ipv4.dst", ipv4Addr(func(ip *layers.IPv4, v net.IP) { ip.DstIP = v }))
	r.Register("ipv4.ttl", ipv4Byte(func(ip *layers.IPv4, v uint8) { ip.TTL = v }))
	r.Register("ipv4.tos", ipv4Byte(func(ip *layers.IPv4, v uint8) { ip.TOS = v }))
	r.Register("ipv6.hoplimit", ipv6Byte(func(ip *layers.IPv6, v uint8) { ip.HopLimit = v }))
	r.Register("ipv6.trafficclass", ipv6Byte(func(ip *layers.IPv6, v uint8) { ip.TrafficClass = v }))
	r.Register("tcp.srcport", tcpPort(func(t *layers.TCP, v uint16) { t.SrcPort = layers.TCPPort(v) }))
	r.Register("tcp.dstport", tcpPort(func(t *layers.TCP, v uint16) { t.DstPort = layers.TCPPort(v) }))
	r.Register("udp.srcport", udpPort(func(u *layers.UDP, v uint16) { u.SrcPort = layers.UDPPort(v) }))
	r.Register("udp.dstport", udpPort(func(u *layers.UDP, v uint16) { u.DstPort = layers.UDPPort(v) }))
	return r
}

// Register adds or replaces a selector.
func (r *Modifiers) Register(name string, fn FieldModifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = fn
}

// Has reports whether name is a registered selector.
func (r *Modifiers) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[name]
	return ok
}

// Names lists registered selectors in sorted order.
func (r *Modifiers) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply rewrites field of p to value and re-serialises the packet with
// fixed lengths and checksums. p is updated in place; its original Data
// slice is left untouched.
func (r *Modifiers) Apply(p *Packet, field string, value []byte) error {
	r.mu.RLock()
	fn, ok := r.m[field]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf(errors.KindValidation, "unknown modify field %q", field)
	}

	data := append([]byte(nil), p.Data...)
	gp := gopacket.NewPacket(data, p.FirstLayer, gopacket.Default)
	if el := gp.ErrorLayer(); el != nil {
		return errors.Wrap(el.Error(), errors.KindMalformed, "decode packet for modify")
	}

	if err := fn(gp, value); err != nil {
		return errors.Attr(err, "field", field)
	}

	nl := gp.NetworkLayer()
	var out []gopacket.SerializableLayer
	for _, l := range gp.Layers() {
		switch t := l.(type) {
		case *layers.TCP:
			if nl != nil {
				if err := t.SetNetworkLayerForChecksum(nl); err != nil {
					return errors.Wrap(err, errors.KindInternal, "tcp checksum layer")
				}
			}
		case *layers.UDP:
			if nl != nil {
				if err := t.SetNetworkLayerForChecksum(nl); err != nil {
					return errors.Wrap(err, errors.KindInternal, "udp checksum layer")
				}
			}
		}
		sl, ok := l.(gopacket.SerializableLayer)
		if !ok {
			return errors.Errorf(errors.KindInternal, "layer %s cannot be serialized", l.LayerType())
		}
		out = append(out, sl)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, out...); err != nil {
		return errors.Wrap(err, errors.KindInternal, "serialize modified packet")
	}

	np, err := Decode(append([]byte(nil), buf.Bytes()...), p.FirstLayer)
	if err != nil {
		return err
	}
	np.Interface = p.Interface
	np.Timestamp = p.Timestamp
	*p = *np
	return nil
}

func needLen(value []byte, n int) error {
	if len(value) != n {
		return errors.Errorf(errors.KindValidation, "value must be %d bytes, got %d", n, len(value))
	}
	return nil
}

func missingLayer(name string) error {
	return errors.Errorf(errors.KindValidation, "packet has no %s layer", name)
}

func ethField(set func(*layers.Ethernet, net.HardwareAddr)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 6); err != nil {
			return err
		}
		eth, ok := gp.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if !ok {
			return missingLayer("ethernet")
		}
		set(eth, append(net.HardwareAddr(nil), value...))
		return nil
	}
}

func ipv4Layer(gp gopacket.Packet) (*layers.IPv4, error) {
	ip, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, missingLayer("ipv4")
	}
	return ip, nil
}

func ipv4Addr(set func(*layers.IPv4, net.IP)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 4); err != nil {
			return err
		}
		ip, err := ipv4Layer(gp)
		if err != nil {
			return err
		}
		set(ip, net.IP(append([]byte(nil), value...)))
		return nil
	}
}

func ipv4Byte(set func(*layers.IPv4, uint8)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 1); err != nil {
			return err
		}
		ip, err := ipv4Layer(gp)
		if err != nil {
			return err
		}
		set(ip, value[0])
		return nil
	}
}

func ipv6Byte(set func(*layers.IPv6, uint8)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 1); err != nil {
			return err
		}
		ip, ok := gp.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return missingLayer("ipv6")
		}
		set(ip, value[0])
		return nil
	}
}

func tcpPort(set func(*layers.TCP, uint16)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 2); err != nil {
			return err
		}
		t, ok := gp.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return missingLayer("tcp")
		}
		set(t, binary.BigEndian.Uint16(value))
		return nil
	}
}

func udpPort(set func(*layers.UDP, uint16)) FieldModifier {
	return func(gp gopacket.Packet, value []byte) error {
		if err := needLen(value, 2); err != nil {
			return err
		}
		u, ok := gp.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return missingLayer("udp")
		}
		set(u, binary.BigEndian.Uint16(value))
		return nil
	}
}
