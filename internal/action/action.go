// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package action executes the target of a matched filter against a packet.
package action

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/notification"
	"grimm.is/bricks/internal/packet"
)

// Disposition is what the datapath does with the packet after dispatch.
type Disposition int

const (
	// Forward lets the packet continue.
	Forward Disposition = iota
	// Drop discards the packet.
	Drop
	// Stolen means a sink took ownership; the packet must not be forwarded
	// and must not be freed by the datapath either.
	Stolen
)

func (d Disposition) String() string {
	switch d {
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Stolen:
		return "stolen"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// ErrorPolicy decides the packet's fate when a secondary action fails.
type ErrorPolicy int

const (
	OnErrorForward ErrorPolicy = iota
	OnErrorDrop
)

func (p ErrorPolicy) String() string {
	if p == OnErrorDrop {
		return "drop"
	}
	return "forward"
}

// ParseErrorPolicy parses "forward" or "drop". Empty means forward.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward":
		return OnErrorForward, nil
	case "drop":
		return OnErrorDrop, nil
	default:
		return OnErrorForward, errors.Errorf(errors.KindValidation, "unknown action error policy %q", s)
	}
}

// Sink receives packets for SHARE and COPY. mode is "share" or "copy".
type Sink interface {
	Send(p *packet.Packet, mode string) error
}

// Recorder appends packets to the WRITE capture log.
type Recorder interface {
	Write(p *packet.Packet) error
}

// Notifier accepts notification events without blocking.
type Notifier interface {
	Enqueue(ev notification.Event) bool
}

// Options configures a Dispatcher. Nil collaborators make the targets that
// need them fail with an action error.
type Options struct {
	Sink      Sink
	Capture   Recorder
	Notifier  Notifier
	Modifiers *packet.Modifiers
	OnError   ErrorPolicy
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Now       func() time.Time
}

// Result is the outcome of one dispatch.
type Result struct {
	Disposition Disposition
	// Modified is set when MODIFY rewrote the packet bytes.
	Modified bool
	// Err is the secondary action failure, if any. Disposition already
	// reflects the error policy.
	Err error
}

// Dispatcher applies filter targets. It is safe for concurrent use by
// datapath workers.
type Dispatcher struct {
	opts   Options
	logger *logging.Logger
	errLog rate.Sometimes
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Modifiers == nil {
		opts.Modifiers = packet.DefaultModifiers()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("action")
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger,
		errLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Modifiers returns the MODIFY field registry.
func (d *Dispatcher) Modifiers() *packet.Modifiers {
	return d.opts.Modifiers
}

// Dispatch runs rec's target on p. Hits and bytes are counted for every
// call. p may be rewritten in place by MODIFY.
func (d *Dispatcher) Dispatch(rec *filter.Record, p *packet.Packet) Result {
	n := p.Len()
	rec.State.Hit(n)

	res := d.dispatch(rec, p, n)
	if res.Err != nil {
		res = d.fail(rec, res)
	}
	if res.Disposition == Drop {
		rec.State.Drop()
	}
	d.opts.Metrics.ObservePacket(rec.Target.String(), res.Disposition.String(), n)
	return res
}

func (d *Dispatcher) dispatch(rec *filter.Record, p *packet.Packet, n int) Result {
	switch rec.Target {
	case filter.TargetWhitelist:
		return Result{Disposition: Forward}

	case filter.TargetDrop:
		return Result{Disposition: Drop}

	case filter.TargetShare:
		if err := d.send(p, "share"); err != nil {
			return Result{Err: err}
		}
		return Result{Disposition: Stolen}

	case filter.TargetCopy:
		if err := d.send(p.Clone(), "copy"); err != nil {
			return Result{Err: err}
		}
		return Result{Disposition: Forward}

	case filter.TargetWrite:
		if d.opts.Capture == nil {
			return Result{Err: errors.New(errors.KindUnavailable, "no capture log configured")}
		}
		if err := d.opts.Capture.Write(p); err != nil {
			return Result{Err: err}
		}
		d.opts.Metrics.ObserveCapture()
		return Result{Disposition: Forward}

	case filter.TargetLimit:
		if rec.State.Allow(d.opts.Now()) {
			return Result{Disposition: Forward}
		}
		return Result{Disposition: Drop}

	case filter.TargetPktNotify, filter.TargetByteNotify:
		delta := uint64(1)
		if rec.Target == filter.TargetByteNotify {
			delta = uint64(n)
		}
		count, fired := rec.State.AddNotify(delta, rec.Params.Threshold, rec.Params.NotifyReset)
		if fired && d.opts.Notifier != nil {
			d.opts.Notifier.Enqueue(notification.NewEvent(rec, count, d.opts.Now()))
		}
		return Result{Disposition: Forward}

	case filter.TargetModify:
		if err := d.opts.Modifiers.Apply(p, rec.Params.ModifyField, rec.Params.ModifyValue); err != nil {
			return Result{Err: err}
		}
		return Result{Disposition: Forward, Modified: true}

	default:
		return Result{Err: errors.Errorf(errors.KindInternal, "unhandled target %s", rec.Target)}
	}
}

func (d *Dispatcher) send(p *packet.Packet, mode string) error {
	if d.opts.Sink == nil {
		return errors.New(errors.KindUnavailable, "no monitoring sink configured")
	}
	if err := d.opts.Sink.Send(p, mode); err != nil {
		return err
	}
	d.opts.Metrics.ObserveSink(mode)
	return nil
}

func (d *Dispatcher) fail(rec *filter.Record, res Result) Result {
	res.Disposition = Forward
	if d.opts.OnError == OnErrorDrop {
		res.Disposition = Drop
	}
	res.Err = errors.Attr(errors.Attr(res.Err, "id", rec.ID), "target", rec.Target.String())

	d.opts.Metrics.ObserveActionError(rec.Target.String())
	d.errLog.Do(func() {
		d.logger.Warn("action failed",
			"id", rec.ID,
			"target", rec.Target.String(),
			"policy", d.opts.OnError.String(),
			"error", res.Err)
	})
	return res
}
