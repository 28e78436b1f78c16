// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/bricks/internal/errors"
)

// MaxInterfaceLen is the longest interface name accepted (IFNAMSIZ - 1).
const MaxInterfaceLen = 15

// Params carries target-specific parameters.
type Params struct {
	// LIMIT: bucket capacity and refill in tokens per second (0 = no refill).
	LimitBurst uint32
	LimitRate  uint32

	// PKT_NOTIFY / BYTE_NOTIFY: threshold in packets or bytes.
	Threshold uint64
	// NotifyReset restarts counting after each notification; otherwise the
	// counter keeps running and the notification fires once.
	NotifyReset bool

	// MODIFY: field selector name and the raw value it writes.
	ModifyField string
	ModifyValue []byte
}

// Key identifies a filter for duplicate detection and delete-by-key.
type Key struct {
	Interface string
	Type      Type
	Match     string
	Proto     uint8
	Target    Target
}

func (k Key) String() string {
	iface := k.Interface
	if iface == "" {
		iface = "*"
	}
	return fmt.Sprintf("%s/%s/%s/proto=%d/%s", iface, k.Type, k.Match, k.Proto, k.Target)
}

// Record is one installed filter. Everything except State is immutable once
// the record has been published by the table.
type Record struct {
	ID        uint64
	Interface string
	Type      Type
	Match     Match
	// Proto restricts the record to one IP protocol; 0 matches any.
	Proto    uint8
	Start    time.Time
	Duration time.Duration
	Target   Target
	Params   Params

	State *State
}

// Key returns the record's identity key.
func (r *Record) Key() Key {
	return Key{
		Interface: r.Interface,
		Type:      r.Type,
		Match:     r.Match.Key(),
		Proto:     r.Proto,
		Target:    r.Target,
	}
}

// End returns the end of the activation window, or the zero time for an
// open-ended record.
func (r *Record) End() time.Time {
	if r.Duration == 0 {
		return time.Time{}
	}
	return r.Start.Add(r.Duration)
}

// Live reports whether now is inside [Start, Start+Duration).
func (r *Record) Live(now time.Time) bool {
	if now.Before(r.Start) {
		return false
	}
	return !r.Expired(now)
}

// Expired reports whether the window has ended at now.
func (r *Record) Expired(now time.Time) bool {
	if r.Duration == 0 {
		return false
	}
	return !now.Before(r.Start.Add(r.Duration))
}

// AppliesTo reports whether the record is bound to iface. An empty
// Interface binds the record to every interface.
func (r *Record) AppliesTo(iface string) bool {
	return r.Interface == "" || r.Interface == iface
}

// Clone returns a shallow copy sharing State.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Params.ModifyValue = append([]byte(nil), r.Params.ModifyValue...)
	return &cp
}

// Validate checks the record's internal consistency.
func (r *Record) Validate() error {
	if !r.Type.Valid() {
		return errors.Attr(errors.Errorf(errors.KindInvalidType, "filter type %d out of range", uint8(r.Type)), "type", uint8(r.Type))
	}
	if !r.Target.Valid() {
		return errors.Errorf(errors.KindMalformed, "target %d out of range", uint8(r.Target))
	}
	if len(r.Interface) > MaxInterfaceLen || strings.ContainsRune(r.Interface, 0) {
		return errors.Errorf(errors.KindMalformed, "interface name %q invalid", r.Interface)
	}
	if r.Duration < 0 {
		return errors.New(errors.KindMalformed, "negative duration")
	}
	if r.Match == nil {
		return errors.New(errors.KindMalformed, "missing match criteria")
	}
	if err := r.checkVariant(); err != nil {
		return err
	}

	switch r.Target {
	case TargetLimit:
		if r.Params.LimitBurst == 0 {
			return errors.New(errors.KindMalformed, "limit target requires a burst size")
		}
	case TargetPktNotify, TargetByteNotify:
		if r.Params.Threshold == 0 {
			return errors.New(errors.KindMalformed, "notify target requires a threshold")
		}
	case TargetModify:
		if r.Params.ModifyField == "" {
			return errors.New(errors.KindMalformed, "modify target requires a field selector")
		}
	}
	return nil
}

func (r *Record) checkVariant() error {
	ok := false
	switch r.Match.(type) {
	case AnyMatch:
		ok = r.Type == TypeNone
	case ConnMatch:
		ok = r.Type == TypeConnection || r.Type == TypeFlow
	case IPv4Match, IPv6Match:
		ok = r.Type == TypeIP
	case EthMatch:
		ok = r.Type == TypeMAC
	}
	if !ok {
		return errors.Errorf(errors.KindMalformed, "match %T does not fit filter type %s", r.Match, r.Type)
	}
	return nil
}

func (r *Record) String() string {
	iface := r.Interface
	if iface == "" {
		iface = "*"
	}
	return fmt.Sprintf("#%d %s %s [%s] %s", r.ID, iface, r.Type, r.Match, r.Target)
}
