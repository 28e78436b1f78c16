// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package datapath runs the per-queue workers that feed packets from a
// packet source through the engine and hand verdicts back.
package datapath

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/bricks/internal/action"
	"grimm.is/bricks/internal/engine"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/packet"
)

// Inbound is a raw packet delivered by a Source.
type Inbound struct {
	Data       []byte
	FirstLayer gopacket.LayerType
	Interface  string
	Timestamp  time.Time
}

// Outcome is the verdict a Source applies. Data is set when the packet
// was rewritten and must be reinjected.
type Outcome struct {
	Disposition action.Disposition
	Data        []byte
}

// Handler classifies one inbound packet.
type Handler func(Inbound) Outcome

// Source delivers packets to a handler until its context ends.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Processor is satisfied by *engine.Engine.
type Processor interface {
	Process(*packet.Packet) engine.Verdict
}

// Stats counts packets seen by a Pool.
type Stats struct {
	Packets      uint64 `json:"packets"`
	Forwarded    uint64 `json:"forwarded"`
	Dropped      uint64 `json:"dropped"`
	Stolen       uint64 `json:"stolen"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// Options configures a Pool.
type Options struct {
	Sources   []Source
	Processor Processor
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Pool runs one worker per source.
type Pool struct {
	opts   Options
	logger *logging.Logger

	packets      atomic.Uint64
	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	stolen       atomic.Uint64
	decodeErrors atomic.Uint64
}

// NewPool creates a worker pool.
func NewPool(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("datapath")
	}
	return &Pool{opts: opts, logger: logger}
}

// Run starts a worker per source and blocks until all have returned. The
// first worker error is returned; the rest are logged.
func (p *Pool) Run(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, src := range p.opts.Sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			logger := p.logger.With("source", src.Name())
			logger.Info("datapath worker started")
			err := src.Run(ctx, p.Handle)
			if err != nil && ctx.Err() == nil {
				logger.Error("datapath worker failed", "error", err)
				once.Do(func() { firstErr = err })
				return
			}
			logger.Info("datapath worker stopped")
		}(src)
	}
	wg.Wait()
	return firstErr
}

// Close closes every source.
func (p *Pool) Close() error {
	var firstErr error
	for _, src := range p.opts.Sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Handle decodes in, runs the engine and converts its verdict. Packets
// that fail to decode are forwarded untouched.
func (p *Pool) Handle(in Inbound) Outcome {
	p.packets.Add(1)

	pkt, err := packet.Decode(in.Data, in.FirstLayer)
	if err != nil {
		p.decodeErrors.Add(1)
		p.opts.Metrics.ObserveDecodeError()
		p.forwarded.Add(1)
		return Outcome{Disposition: action.Forward}
	}
	pkt.Interface = in.Interface
	pkt.Timestamp = in.Timestamp
	if pkt.Timestamp.IsZero() {
		pkt.Timestamp = time.Now()
	}

	v := p.opts.Processor.Process(pkt)

	out := Outcome{Disposition: v.Disposition}
	switch v.Disposition {
	case action.Forward:
		p.forwarded.Add(1)
		if v.Modified {
			out.Data = pkt.Data
		}
	case action.Drop:
		p.dropped.Add(1)
	case action.Stolen:
		p.stolen.Add(1)
	}
	return out
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Packets:      p.packets.Load(),
		Forwarded:    p.forwarded.Load(),
		Dropped:      p.dropped.Load(),
		Stolen:       p.stolen.Load(),
		DecodeErrors: p.decodeErrors.Load(),
	}
}

// FirstLayerOf guesses the first layer of a bare IP packet from its
// version nibble.
func FirstLayerOf(data []byte) gopacket.LayerType {
	if len(data) > 0 && data[0]>>4 == 6 {
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeIPv4
}

// ChanSource delivers packets written to its input channel. Outcomes are
// published on Out when it is non-nil.
type ChanSource struct {
	ID  string
	In  chan Inbound
	Out chan Outcome
}

// NewChanSource returns a source with buffered channels of size n.
func NewChanSource(id string, n int) *ChanSource {
	return &ChanSource{ID: id, In: make(chan Inbound, n), Out: make(chan Outcome, n)}
}

func (c *ChanSource) Name() string { return c.ID }

func (c *ChanSource) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-c.In:
			if !ok {
				return nil
			}
			out := h(in)
			if c.Out != nil {
				select {
				case c.Out <- out:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (c *ChanSource) Close() error { return nil }
