// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"grimm.is/bricks/internal/filter"
)

// Level constants
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Kind says which counter crossed its threshold.
type Kind string

const (
	KindPackets Kind = "packets"
	KindBytes   Kind = "bytes"
)

// Event is a threshold crossing reported by a PKT_NOTIFY or BYTE_NOTIFY
// filter.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`

	RecordID  uint64 `json:"record_id"`
	Interface string `json:"interface,omitempty"`
	Filter    string `json:"filter"`
	Kind      Kind   `json:"kind"`
	Count     uint64 `json:"count"`
	Threshold uint64 `json:"threshold"`
	Reset     bool   `json:"reset"`
}

// NewEvent builds the event for rec crossing its threshold with count.
func NewEvent(rec *filter.Record, count uint64, now time.Time) Event {
	kind := KindPackets
	if rec.Target == filter.TargetByteNotify {
		kind = KindBytes
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Level:     LevelWarning,
		RecordID:  rec.ID,
		Interface: rec.Interface,
		Filter:    rec.String(),
		Kind:      kind,
		Count:     count,
		Threshold: rec.Params.Threshold,
		Reset:     rec.Params.NotifyReset,
	}
}

// Title is a short summary, stable per record and kind.
func (e Event) Title() string {
	return fmt.Sprintf("filter %d %s threshold reached", e.RecordID, e.Kind)
}

// Message is the human readable body.
func (e Event) Message() string {
	return fmt.Sprintf("%s: %d %s (threshold %d)", e.Filter, e.Count, e.Kind, e.Threshold)
}
