// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine classifies packets against the filter table and hands the
// winning record to the action dispatcher.
package engine

import (
	"strings"
	"time"

	"grimm.is/bricks/internal/action"
	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/packet"
	"grimm.is/bricks/internal/table"
)

// Policy is applied to packets that match no live filter.
type Policy int

const (
	PolicyAllow Policy = iota
	PolicyDeny
)

func (p Policy) String() string {
	if p == PolicyDeny {
		return "deny"
	}
	return "allow"
}

// ParsePolicy parses "allow" or "deny". Empty means allow.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allow", "accept":
		return PolicyAllow, nil
	case "deny", "drop":
		return PolicyDeny, nil
	default:
		return PolicyAllow, errors.Errorf(errors.KindValidation, "unknown default policy %q", s)
	}
}

// Verdict is the fate of one packet.
type Verdict struct {
	Disposition action.Disposition
	// Record is the filter that decided the packet; nil when the default
	// policy applied.
	Record   *filter.Record
	Default  bool
	Modified bool
	Err      error
}

// Options configures an Engine.
type Options struct {
	Table         *table.Table
	Dispatcher    *action.Dispatcher
	DefaultPolicy Policy
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
	// Now defaults to the table clock.
	Now func() time.Time
}

// Engine evaluates packets against the filter table.
type Engine struct {
	table      *table.Table
	dispatcher *action.Dispatcher
	policy     Policy
	metrics    *metrics.Metrics
	logger     *logging.Logger
	now        func() time.Time
}

// New creates an engine.
func New(opts Options) *Engine {
	e := &Engine{
		table:      opts.Table,
		dispatcher: opts.Dispatcher,
		policy:     opts.DefaultPolicy,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if e.logger == nil {
		e.logger = logging.WithComponent("engine")
	}
	if e.now == nil {
		e.now = opts.Table.Now
	}
	if e.dispatcher == nil {
		e.dispatcher = action.NewDispatcher(action.Options{Metrics: opts.Metrics, Logger: e.logger})
	}
	return e
}

// Policy returns the default policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate returns the record that decides pkt, or nil when no live record
// matches. Candidates are visited in priority order, so the first live
// match wins unless a live WHITELIST record also matches.
func (e *Engine) Evaluate(pkt *packet.Packet) *filter.Record {
	now := e.now()
	cands := e.table.Lookup(pkt.Interface)
	scanWhitelist := cands.HasWhitelist()

	var winner *filter.Record
	cands.Each(func(rec *filter.Record) bool {
		if !rec.Live(now) || !Match(rec, pkt) {
			return true
		}
		if rec.Target == filter.TargetWhitelist {
			winner = rec
			return false
		}
		if winner == nil {
			winner = rec
		}
		// keep scanning only while a whitelist may still override
		return scanWhitelist
	})
	return winner
}

// Process evaluates pkt and runs the winning record's action, or applies
// the default policy.
func (e *Engine) Process(pkt *packet.Packet) Verdict {
	rec := e.Evaluate(pkt)
	if rec == nil {
		e.metrics.ObserveDefault(e.policy.String())
		if e.policy == PolicyDeny {
			return Verdict{Disposition: action.Drop, Default: true}
		}
		return Verdict{Disposition: action.Forward, Default: true}
	}

	res := e.dispatcher.Dispatch(rec, pkt)
	return Verdict{
		Disposition: res.Disposition,
		Record:      rec,
		Modified:    res.Modified,
		Err:         res.Err,
	}
}
