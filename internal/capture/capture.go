// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture implements the WRITE target: an append-only pcap log.
package capture

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/packet"
)

// DefaultSnaplen is the longest slice of a packet that is stored.
const DefaultSnaplen = 65535

// Writer appends packets to a pcap stream with Ethernet link type. Bare
// IP packets get a synthetic Ethernet header with zero addresses.
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	c       io.Closer
	snaplen uint32
	count   uint64
}

// Open appends to the pcap file at path, writing the file header when the
// file is new or empty.
func Open(path string, snaplen uint32) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open capture log %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "stat capture log %s", path)
	}

	w, err := newWriter(f, snaplen, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewWriter writes a pcap header to out and returns a writer for it.
func NewWriter(out io.Writer, snaplen uint32) (*Writer, error) {
	return newWriter(out, snaplen, true)
}

func newWriter(out io.Writer, snaplen uint32, header bool) (*Writer, error) {
	if snaplen == 0 {
		snaplen = DefaultSnaplen
	}
	pw := pcapgo.NewWriter(out)
	if header {
		if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "write pcap header")
		}
	}
	return &Writer{w: pw, snaplen: snaplen}, nil
}

// Write appends p.
func (w *Writer) Write(p *packet.Packet) error {
	data := frame(p)
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		Length:        len(data),
		CaptureLength: len(data),
	}
	if uint32(len(data)) > w.snaplen {
		data = data[:w.snaplen]
		ci.CaptureLength = len(data)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return errors.New(errors.KindUnavailable, "capture log closed")
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "write capture record")
	}
	w.count++
	return nil
}

// Count returns the number of packets written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying file, if Open created it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w = nil
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}

func frame(p *packet.Packet) []byte {
	if p.FirstLayer == layers.LayerTypeEthernet {
		return p.Data
	}
	etype := layers.EthernetTypeIPv4
	if p.FirstLayer == layers.LayerTypeIPv6 {
		etype = layers.EthernetTypeIPv6
	}
	out := make([]byte, 14, 14+len(p.Data))
	binary.BigEndian.PutUint16(out[12:], uint16(etype))
	return append(out, p.Data...)
}
