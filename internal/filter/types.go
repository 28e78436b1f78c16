// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package filter defines the filter record installed in the table: its
// match criteria, activation window, target action and runtime counters.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Target is the action applied to a matched packet.
type Target uint8

const (
	TargetModify Target = iota + 1
	TargetDrop
	TargetShare
	TargetCopy
	TargetWrite
	TargetLimit
	TargetPktNotify
	TargetByteNotify
	TargetWhitelist
)

var targetNames = map[Target]string{
	TargetModify:     "modify",
	TargetDrop:       "drop",
	TargetShare:      "share",
	TargetCopy:       "copy",
	TargetWrite:      "write",
	TargetLimit:      "limit",
	TargetPktNotify:  "pkt_notify",
	TargetByteNotify: "byte_notify",
	TargetWhitelist:  "whitelist",
}

func (t Target) String() string {
	if s, ok := targetNames[t]; ok {
		return s
	}
	return fmt.Sprintf("target(%d)", uint8(t))
}

// Valid reports whether t is one of the enumerated targets.
func (t Target) Valid() bool {
	return t >= TargetModify && t <= TargetWhitelist
}

// ParseTarget parses a target name such as "drop" or "PKT_NOTIFY".
func ParseTarget(s string) (Target, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range targetNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown target %q", s)
}

// Type is the filter_type_flag discriminant selecting the match variant.
type Type uint8

const (
	TypeNone Type = iota
	TypeConnection
	TypeFlow
	TypeIP
	TypeMAC

	// TypeMax is the highest defined discriminant; 5..31 are reserved.
	TypeMax = TypeMAC
)

var typeNames = map[Type]string{
	TypeNone:       "none",
	TypeConnection: "connection",
	TypeFlow:       "flow",
	TypeIP:         "ip",
	TypeMAC:        "mac",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid reports whether t is within the defined discriminant range.
func (t Type) Valid() bool {
	return t <= TypeMax
}

// ParseType parses a filter type name.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown filter type %q", s)
}

// Class orders match variants from most to least specific.
type Class int

const (
	ClassConnection Class = iota
	ClassIP
	ClassMAC
	ClassAny

	NumClasses
)

// Class returns the priority class of filters of type t.
func (t Type) Class() Class {
	switch t {
	case TypeConnection, TypeFlow:
		return ClassConnection
	case TypeIP:
		return ClassIP
	case TypeMAC:
		return ClassMAC
	default:
		return ClassAny
	}
}

// IP protocol numbers used by config parsing and the CLI.
const (
	ProtoAny    uint8 = 0
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// ParseProto accepts "tcp", "udp", "icmp", "icmpv6", "*"/"any"/"" or a number.
func ParseProto(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "*", "any":
		return ProtoAny, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmp":
		return ProtoICMP, nil
	case "icmpv6":
		return ProtoICMPv6, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad protocol %q", s)
	}
	return uint8(n), nil
}
