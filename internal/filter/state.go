// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package filter

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State is the mutable runtime side of a record. It is shared by every
// datapath worker that matches the record and survives in-place modifies.
type State struct {
	hits    atomic.Uint64
	bytes   atomic.Uint64
	drops   atomic.Uint64
	notify  atomic.Uint64
	fired   atomic.Bool
	limiter atomic.Pointer[rate.Limiter]
}

// Counters is a point-in-time copy of a record's counters.
type Counters struct {
	Hits   uint64 `json:"hits"`
	Bytes  uint64 `json:"bytes"`
	Drops  uint64 `json:"drops"`
	Notify uint64 `json:"notify"`
}

// NewState creates runtime state for a record with params p.
func NewState(p Params) *State {
	s := &State{}
	s.ResetLimiter(p)
	return s
}

// ResetLimiter installs a fresh token bucket for p. A record without a
// burst size gets no limiter.
func (s *State) ResetLimiter(p Params) {
	if p.LimitBurst == 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(p.LimitRate), int(p.LimitBurst)))
}

// ResetNotify restarts the notify counter and re-arms a fire-once record.
func (s *State) ResetNotify() {
	s.notify.Store(0)
	s.fired.Store(false)
}

// Hit records one matched packet of n bytes.
func (s *State) Hit(n int) {
	s.hits.Add(1)
	s.bytes.Add(uint64(n))
}

// Drop increments the drop counter.
func (s *State) Drop() {
	s.drops.Add(1)
}

// Allow takes one token from the bucket. Without a limiter every packet
// is allowed.
func (s *State) Allow(now time.Time) bool {
	l := s.limiter.Load()
	if l == nil {
		return true
	}
	return l.AllowN(now, 1)
}

// AddNotify adds delta to the notify counter and reports whether this call
// crossed threshold. With reset the counter restarts at zero after firing,
// so it fires again on every threshold worth of traffic; without reset it
// fires exactly once. Exactly one concurrent caller observes each crossing.
func (s *State) AddNotify(delta, threshold uint64, reset bool) (count uint64, fired bool) {
	if threshold == 0 {
		return s.notify.Add(delta), false
	}
	if !reset {
		n := s.notify.Add(delta)
		if n >= threshold && s.fired.CompareAndSwap(false, true) {
			return n, true
		}
		return n, false
	}
	for {
		old := s.notify.Load()
		n := old + delta
		if n < threshold {
			if s.notify.CompareAndSwap(old, n) {
				return n, false
			}
			continue
		}
		if s.notify.CompareAndSwap(old, 0) {
			return n, true
		}
	}
}

// Snapshot returns the current counters.
func (s *State) Snapshot() Counters {
	return Counters{
		Hits:   s.hits.Load(),
		Bytes:  s.bytes.Load(),
		Drops:  s.drops.Load(),
		Notify: s.notify.Load(),
	}
}
