// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package monitor hands SHARE and COPY packets to an external monitoring
// daemon.
package monitor

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket/layers"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/packet"
)

// Datagram layout: version, mode, link (0 Ethernet, 4 or 6 bare IP),
// interface length, interface name, timestamp (unix nanoseconds, big
// endian), packet bytes.
const (
	Version   = 1
	ModeShare = 1
	ModeCopy  = 2

	maxIfaceLen = 15
)

// ErrSinkFull is returned when the send buffer is full.
var ErrSinkFull = errors.New(errors.KindCapacity, "monitor sink buffer full")

// Delivery is one packet handed to the monitor.
type Delivery struct {
	Mode   string
	Packet *packet.Packet
}

func modeByte(mode string) (byte, error) {
	switch mode {
	case "share":
		return ModeShare, nil
	case "copy":
		return ModeCopy, nil
	default:
		return 0, errors.Errorf(errors.KindValidation, "unknown sink mode %q", mode)
	}
}

// Encode builds the datagram for d.
func Encode(d Delivery) ([]byte, error) {
	mb, err := modeByte(d.Mode)
	if err != nil {
		return nil, err
	}
	iface := d.Packet.Interface
	if len(iface) > maxIfaceLen {
		iface = iface[:maxIfaceLen]
	}
	var link byte
	switch d.Packet.FirstLayer {
	case layers.LayerTypeIPv4:
		link = 4
	case layers.LayerTypeIPv6:
		link = 6
	}
	out := make([]byte, 0, 4+len(iface)+8+len(d.Packet.Data))
	out = append(out, Version, mb, link, byte(len(iface)))
	out = append(out, iface...)
	out = binary.BigEndian.AppendUint64(out, uint64(d.Packet.Timestamp.UnixNano()))
	return append(out, d.Packet.Data...), nil
}

// Decode parses a datagram produced by Encode.
func Decode(b []byte) (Delivery, error) {
	if len(b) < 4 || b[0] != Version {
		return Delivery{}, errors.New(errors.KindMalformed, "bad monitor datagram header")
	}
	n := int(b[3])
	if len(b) < 4+n+8 {
		return Delivery{}, errors.New(errors.KindMalformed, "short monitor datagram")
	}
	var mode string
	switch b[1] {
	case ModeShare:
		mode = "share"
	case ModeCopy:
		mode = "copy"
	default:
		return Delivery{}, errors.Errorf(errors.KindMalformed, "unknown mode %d", b[1])
	}

	iface := string(b[4 : 4+n])
	ts := int64(binary.BigEndian.Uint64(b[4+n:]))
	data := append([]byte(nil), b[4+n+8:]...)

	var p *packet.Packet
	var err error
	switch b[2] {
	case 0:
		p, err = packet.DecodeEthernet(data)
	case 4, 6:
		p, err = packet.DecodeIP(data)
	default:
		err = errors.Errorf(errors.KindMalformed, "unknown link %d", b[2])
	}
	if err != nil {
		return Delivery{}, err
	}
	p.Interface = iface
	p.Timestamp = time.Unix(0, ts)
	return Delivery{Mode: mode, Packet: p}, nil
}

// Options configures a UDPSink.
type Options struct {
	Address string
	// Buffer is the number of datagrams queued for sending.
	Buffer int
	Logger *logging.Logger
}

// UDPSink sends packets to the monitor daemon from a background goroutine.
// Send never blocks the datapath; a full buffer refuses the packet.
type UDPSink struct {
	conn   net.Conn
	logger *logging.Logger
	queue  chan []byte

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects the sink to opts.Address and starts the sender.
func Dial(ctx context.Context, opts Options) (*UDPSink, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", opts.Address)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "dial monitor %s", opts.Address)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("monitor")
	}
	s := &UDPSink{
		conn:   conn,
		logger: logger.With("addr", opts.Address),
		queue:  make(chan []byte, opts.Buffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Send queues p for the monitor.
func (s *UDPSink) Send(p *packet.Packet, mode string) error {
	b, err := Encode(Delivery{Mode: mode, Packet: p})
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errors.New(errors.KindUnavailable, "monitor sink closed")
	default:
	}
	select {
	case s.queue <- b:
		return nil
	default:
		s.dropped.Add(1)
		return ErrSinkFull
	}
}

func (s *UDPSink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case b := <-s.queue:
			if _, err := s.conn.Write(b); err != nil {
				// A monitor that is down yields ECONNREFUSED on every
				// write; log the first one only.
				if s.failed.Add(1) == 1 {
					s.logger.Warn("monitor send failed", "error", err)
				}
				continue
			}
			s.sent.Add(1)
		}
	}
}

// Stats returns the sent, dropped and failed counts.
func (s *UDPSink) Stats() (sent, dropped, failed uint64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}

// Close stops the sender and closes the socket. Queued datagrams are
// discarded.
func (s *UDPSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.conn.Close()
	})
	return err
}

// ChannelSink delivers packets to an in-process consumer.
type ChannelSink struct {
	C chan Delivery
}

// NewChannelSink returns a sink buffering up to n deliveries.
func NewChannelSink(n int) *ChannelSink {
	return &ChannelSink{C: make(chan Delivery, n)}
}

// Send queues p, or returns ErrSinkFull.
func (c *ChannelSink) Send(p *packet.Packet, mode string) error {
	if _, err := modeByte(mode); err != nil {
		return err
	}
	select {
	case c.C <- Delivery{Mode: mode, Packet: p}:
		return nil
	default:
		return ErrSinkFull
	}
}
