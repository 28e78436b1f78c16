// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package datapath

import (
	"context"
	"fmt"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/vishvananda/netlink"

	"grimm.is/bricks/internal/action"
	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
)

// NFQueueOptions configures one NFQUEUE binding.
type NFQueueOptions struct {
	Queue        uint16
	MaxQueueLen  uint32
	MaxPacketLen uint32
	// FailOpen lets the kernel accept packets when the queue is full.
	FailOpen bool
	Logger   *logging.Logger
}

// NFQueueSource reads packets from a netfilter queue.
type NFQueueSource struct {
	opts   NFQueueOptions
	nf     *nfqueue.Nfqueue
	logger *logging.Logger

	ifnames *ifnameCache
}

// OpenNFQueue binds to queue opts.Queue.
func OpenNFQueue(opts NFQueueOptions) (*NFQueueSource, error) {
	if opts.MaxQueueLen == 0 {
		opts.MaxQueueLen = 1024
	}
	if opts.MaxPacketLen == 0 {
		opts.MaxPacketLen = 0xFFFF
	}
	cfg := nfqueue.Config{
		NfQueue:      opts.Queue,
		MaxPacketLen: opts.MaxPacketLen,
		MaxQueueLen:  opts.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	}
	if opts.FailOpen {
		cfg.Flags = nfqueue.NfQaCfgFlagFailOpen
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", opts.Queue)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("nfqueue")
	}
	s := &NFQueueSource{
		opts:   opts,
		nf:     nf,
		logger: logger.With("queue", opts.Queue),
	}
	s.ifnames = newIfnameCache(func(index uint32) (string, error) {
		link, err := netlink.LinkByIndex(int(index))
		if err != nil {
			return "", err
		}
		return link.Attrs().Name, nil
	})
	s.ifnames.onErr = func(index uint32, err error) {
		s.logger.Debug("interface lookup failed", "index", index, "error", err)
	}
	return s, nil
}

func (s *NFQueueSource) Name() string { return fmt.Sprintf("nfqueue/%d", s.opts.Queue) }

// Run registers h with the queue and blocks until ctx is done.
func (s *NFQueueSource) Run(ctx context.Context, h Handler) error {
	fn := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}
		id := *a.PacketID
		if a.Payload == nil {
			s.setVerdict(id, Outcome{Disposition: action.Forward})
			return 0
		}

		in := Inbound{
			Data: append([]byte(nil), (*a.Payload)...),
		}
		in.FirstLayer = FirstLayerOf(in.Data)
		if a.InDev != nil {
			in.Interface = s.ifname(*a.InDev)
		} else if a.OutDev != nil {
			in.Interface = s.ifname(*a.OutDev)
		}
		if a.Timestamp != nil {
			in.Timestamp = *a.Timestamp
		}

		s.setVerdict(id, h(in))
		return 0
	}
	errFn := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		s.logger.Warn("nfqueue receive error", "error", err)
		return 0
	}

	if err := s.nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "register nfqueue handler")
	}
	<-ctx.Done()
	return nil
}

// setVerdict maps a disposition to a netfilter verdict. Stolen packets
// have already been copied out, so the kernel's buffer is dropped.
func (s *NFQueueSource) setVerdict(id uint32, out Outcome) {
	var err error
	switch out.Disposition {
	case action.Forward:
		if out.Data != nil {
			err = s.nf.SetVerdictModPacket(id, nfqueue.NfAccept, out.Data)
		} else {
			err = s.nf.SetVerdict(id, nfqueue.NfAccept)
		}
	default:
		err = s.nf.SetVerdict(id, nfqueue.NfDrop)
	}
	if err != nil {
		s.logger.Debug("set verdict failed", "packet_id", id, "error", err)
	}
}

// ifname resolves an interface index through netlink.
func (s *NFQueueSource) ifname(index uint32) string {
	return s.ifnames.name(index)
}

// Close releases the queue.
func (s *NFQueueSource) Close() error {
	return s.nf.Close()
}
