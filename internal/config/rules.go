// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
)

// RulesFile is the YAML rules preload document.
type RulesFile struct {
	Filters []RuleSpec `yaml:"filters"`
}

// RuleSpec is one filter in the rules file.
//
// For connection and flow filters Proto restricts the connection tuple;
// for the other types it restricts the record to one IP protocol.
type RuleSpec struct {
	Name      string `yaml:"name,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	Type      string `yaml:"type"`
	Target    string `yaml:"target"`

	MAC     string `yaml:"mac,omitempty"`
	IP      string `yaml:"ip,omitempty"`
	Src     string `yaml:"src,omitempty"`
	Dst     string `yaml:"dst,omitempty"`
	SrcPort uint16 `yaml:"src_port,omitempty"`
	DstPort uint16 `yaml:"dst_port,omitempty"`
	Proto   string `yaml:"proto,omitempty"`

	Start    string `yaml:"start,omitempty"`
	Duration string `yaml:"duration,omitempty"`

	Limit       *LimitSpec  `yaml:"limit,omitempty"`
	Threshold   uint64      `yaml:"threshold,omitempty"`
	NotifyReset bool        `yaml:"notify_reset,omitempty"`
	Modify      *ModifySpec `yaml:"modify,omitempty"`
}

// LimitSpec carries LIMIT parameters.
type LimitSpec struct {
	Burst uint32 `yaml:"burst"`
	Rate  uint32 `yaml:"rate"`
}

// ModifySpec carries MODIFY parameters. Value is hex, optionally 0x-prefixed.
type ModifySpec struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// LoadRules reads and parses a rules file.
func LoadRules(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to read rules file")
	}
	return ParseRules(data)
}

// ParseRules parses a rules document.
func ParseRules(data []byte) ([]RuleSpec, error) {
	var rf RulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse rules")
	}
	return rf.Filters, nil
}

// Record converts the spec into a filter record ready for insertion.
func (r RuleSpec) Record() (*filter.Record, error) {
	typ, err := filter.ParseType(r.Type)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidType, "invalid rule")
	}
	target, err := filter.ParseTarget(r.Target)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMalformed, "invalid rule")
	}
	proto, err := filter.ParseProto(r.Proto)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMalformed, "invalid rule")
	}

	rec := &filter.Record{
		Interface: r.Interface,
		Type:      typ,
		Target:    target,
	}

	switch typ {
	case filter.TypeNone:
		rec.Match = filter.AnyMatch{}
		rec.Proto = proto
	case filter.TypeMAC:
		hw, err := net.ParseMAC(r.MAC)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindMalformed, "invalid mac %q", r.MAC)
		}
		m, err := filter.NewEthMatch(hw)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindMalformed, "invalid mac")
		}
		rec.Match = m
		rec.Proto = proto
	case filter.TypeIP:
		m, err := parseIPMatch(r.IP)
		if err != nil {
			return nil, err
		}
		rec.Match = m
		rec.Proto = proto
	case filter.TypeConnection, filter.TypeFlow:
		src, err := parseOptionalAddr(r.Src)
		if err != nil {
			return nil, err
		}
		dst, err := parseOptionalAddr(r.Dst)
		if err != nil {
			return nil, err
		}
		m, err := filter.NewConnMatch(src, dst, r.SrcPort, r.DstPort, proto)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindMalformed, "invalid connection")
		}
		rec.Match = m
	}

	if r.Start != "" {
		start, err := time.Parse(time.RFC3339, r.Start)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindMalformed, "invalid start %q", r.Start)
		}
		rec.Start = start
	}
	if r.Duration != "" {
		d, err := time.ParseDuration(r.Duration)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindMalformed, "invalid duration %q", r.Duration)
		}
		rec.Duration = d
	}

	if r.Limit != nil {
		rec.Params.LimitBurst = r.Limit.Burst
		rec.Params.LimitRate = r.Limit.Rate
	}
	rec.Params.Threshold = r.Threshold
	rec.Params.NotifyReset = r.NotifyReset
	if r.Modify != nil {
		rec.Params.ModifyField = r.Modify.Field
		v, err := hex.DecodeString(strings.TrimPrefix(r.Modify.Value, "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindMalformed, "invalid modify value %q", r.Modify.Value)
		}
		rec.Params.ModifyValue = v
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// parseIPMatch accepts an IPv4 address or prefix, or an exact IPv6 address.
func parseIPMatch(s string) (filter.Match, error) {
	var m filter.Match
	var err error
	if strings.Contains(s, "/") {
		pfx, perr := netip.ParsePrefix(s)
		if perr != nil {
			return nil, errors.Wrapf(perr, errors.KindMalformed, "invalid prefix %q", s)
		}
		if !pfx.Addr().Is4() {
			return nil, errors.Errorf(errors.KindMalformed, "ipv6 filters match exact addresses, got prefix %q", s)
		}
		m, err = filter.NewIPv4Match(pfx.Addr(), uint8(pfx.Bits()))
	} else {
		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			return nil, errors.Wrapf(perr, errors.KindMalformed, "invalid address %q", s)
		}
		addr = addr.Unmap()
		if addr.Is4() {
			m, err = filter.NewIPv4Match(addr, 32)
		} else {
			m, err = filter.NewIPv6Match(addr)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindMalformed, "invalid ip filter")
	}
	return m, nil
}

func parseOptionalAddr(s string) (netip.Addr, error) {
	if s == "" || s == "*" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, errors.KindMalformed, "invalid address %q", s)
	}
	return addr, nil
}

// Describe returns a one-line label for logs.
func (r RuleSpec) Describe() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s/%s", r.Type, r.Target)
}
