// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/packet"
	"grimm.is/bricks/internal/testutil"
)

var frame1 = testutil.Frame{
	SrcMAC: "02:00:00:00:00:01", DstMAC: "02:00:00:00:00:02",
	Src: "10.0.0.1", Dst: "10.0.0.2", SrcPort: 1234, DstPort: 80,
	Payload: []byte("hello"),
}

func TestWriter_EthernetAndIP(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 0)
	require.NoError(t, err)

	eth, err := packet.DecodeEthernet(testutil.Ethernet(t, frame1))
	require.NoError(t, err)
	eth.Timestamp = time.Unix(1700000000, 0)
	require.NoError(t, w.Write(eth))

	ip, err := packet.DecodeIP(testutil.IP(t, frame1))
	require.NoError(t, err)
	require.NoError(t, w.Write(ip))
	assert.Equal(t, uint64(2), w.Count())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, eth.Data, data)
	assert.Equal(t, int64(1700000000), ci.Timestamp.Unix())

	data, _, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 14+len(ip.Data))

	// The synthetic header carries the right EtherType, so the IP layer decodes.
	gp := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	ip4, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", ip4.DstIP.String())

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriter_Snaplen(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 20)
	require.NoError(t, err)

	p, err := packet.DecodeEthernet(testutil.Ethernet(t, frame1))
	require.NoError(t, err)
	require.NoError(t, w.Write(p))

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.Equal(t, len(p.Data), ci.Length)
}

func TestOpen_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "write.pcap")
	p, err := packet.DecodeEthernet(testutil.Ethernet(t, frame1))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w, err := Open(path, 0)
		require.NoError(t, err)
		require.NoError(t, w.Write(p))
		require.NoError(t, w.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		n++
	}
	assert.Equal(t, 2, n, "reopening must not write a second header")
}

func TestWriter_Closed(t *testing.T) {
	w, err := NewWriter(io.Discard, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p, err := packet.DecodeIP(testutil.IP(t, frame1))
	require.NoError(t, err)
	err = w.Write(p)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "x.pcap"), 0)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}
