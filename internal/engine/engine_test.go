// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/action"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/packet"
	"grimm.is/bricks/internal/table"
	"grimm.is/bricks/internal/testutil"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, policy Policy) (*Engine, *table.Table, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	tbl := table.New(table.Options{Now: clk.Now})
	e := New(Options{Table: tbl, DefaultPolicy: policy})
	return e, tbl, clk
}

func pkt(t *testing.T, iface string, f testutil.Frame) *packet.Packet {
	t.Helper()
	p, err := packet.DecodeEthernet(testutil.Ethernet(t, f))
	require.NoError(t, err)
	p.Interface = iface
	return p
}

func tcp(src, dst string, sport, dport uint16) testutil.Frame {
	return testutil.Frame{Src: src, Dst: dst, SrcPort: sport, DstPort: dport}
}

func insert(t *testing.T, tbl *table.Table, rec *filter.Record) uint64 {
	t.Helper()
	id, err := tbl.Insert(rec)
	require.NoError(t, err)
	return id
}

func ipRec(t *testing.T, cidr string, target filter.Target) *filter.Record {
	t.Helper()
	pfx := netip.MustParsePrefix(cidr)
	if pfx.Addr().Is6() {
		m, err := filter.NewIPv6Match(pfx.Addr())
		require.NoError(t, err)
		return &filter.Record{Type: filter.TypeIP, Match: m, Target: target}
	}
	m, err := filter.NewIPv4Match(pfx.Addr(), uint8(pfx.Bits()))
	require.NoError(t, err)
	return &filter.Record{Type: filter.TypeIP, Match: m, Target: target}
}

func connRec(t *testing.T, typ filter.Type, src, dst string, sport, dport uint16, target filter.Target) *filter.Record {
	t.Helper()
	var s, d netip.Addr
	if src != "" {
		s = netip.MustParseAddr(src)
	}
	if dst != "" {
		d = netip.MustParseAddr(dst)
	}
	m, err := filter.NewConnMatch(s, d, sport, dport, filter.ProtoTCP)
	require.NoError(t, err)
	return &filter.Record{Type: typ, Match: m, Target: target}
}

func macRec(t *testing.T, mac string, target filter.Target) *filter.Record {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	m, err := filter.NewEthMatch(hw)
	require.NoError(t, err)
	return &filter.Record{Type: filter.TypeMAC, Match: m, Target: target}
}

// Connection DROP on eth0 for 60s, then the default policy takes over.
func TestProcess_ConnectionDropExpires(t *testing.T) {
	e, tbl, clk := setup(t, PolicyAllow)

	rec := connRec(t, filter.TypeConnection, "10.0.0.1", "10.0.0.2", 1234, 80, filter.TargetDrop)
	rec.Interface = "eth0"
	rec.Duration = 60 * time.Second
	id := insert(t, tbl, rec)
	assert.Equal(t, uint64(1), id)

	p := pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1234, 80))
	v := e.Process(p)
	assert.Equal(t, action.Drop, v.Disposition)
	require.NotNil(t, v.Record)
	assert.Equal(t, uint64(1), v.Record.ID)

	got, ok := tbl.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.State.Snapshot().Drops)

	clk.Advance(61 * time.Second)
	v = e.Process(pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1234, 80)))
	assert.True(t, v.Default)
	assert.Equal(t, action.Forward, v.Disposition)

	assert.Equal(t, 1, tbl.ExpireSweep(clk.Now()))
	assert.Equal(t, 0, tbl.Len())
}

func TestProcess_DefaultPolicy(t *testing.T) {
	e, _, _ := setup(t, PolicyDeny)
	v := e.Process(pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2)))
	assert.True(t, v.Default)
	assert.Nil(t, v.Record)
	assert.Equal(t, action.Drop, v.Disposition)
}

func TestMatchIPv4_Prefix(t *testing.T) {
	tests := []struct {
		cidr string
		src  string
		dst  string
		want bool
	}{
		{"10.0.0.0/8", "10.1.2.3", "192.168.0.1", true},
		{"10.0.0.0/8", "192.168.0.1", "10.1.2.3", true},
		{"10.0.0.0/8", "11.0.0.1", "192.168.0.1", false},
		{"0.0.0.0/0", "1.2.3.4", "5.6.7.8", true},
		{"10.0.0.5/32", "10.0.0.5", "1.1.1.1", true},
		{"10.0.0.5/32", "10.0.0.6", "1.1.1.1", false},
		{"192.168.1.128/25", "192.168.1.200", "1.1.1.1", true},
		{"192.168.1.128/25", "192.168.1.100", "1.1.1.1", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s_%s", tt.cidr, tt.src, tt.dst), func(t *testing.T) {
			rec := ipRec(t, tt.cidr, filter.TargetDrop)
			assert.Equal(t, tt.want, Match(rec, pkt(t, "eth0", tcp(tt.src, tt.dst, 1, 2))))
		})
	}
}

func TestMatchIPv4_MaskProperty(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		prefix := uint8(r.Intn(33))
		var fb, pb [4]byte
		r.Read(fb[:])
		r.Read(pb[:])
		m, err := filter.NewIPv4Match(netip.AddrFrom4(fb), prefix)
		require.NoError(t, err)

		p := &packet.Packet{SrcIP: netip.AddrFrom4(pb), DstIP: netip.MustParseAddr("255.255.255.255")}
		mask := filter.PrefixMask(prefix)
		fa := uint32(fb[0])<<24 | uint32(fb[1])<<16 | uint32(fb[2])<<8 | uint32(fb[3])
		pa := uint32(pb[0])<<24 | uint32(pb[1])<<16 | uint32(pb[2])<<8 | uint32(pb[3])
		want := pa&mask == fa&mask || 0xFFFFFFFF&mask == fa&mask

		assert.Equal(t, want, MatchIPv4(m, p), "filter %v/%d packet %v", fb, prefix, pb)
	}
}

func TestMatchIPv6_Exact(t *testing.T) {
	rec := ipRec(t, "2001:db8::1/128", filter.TargetDrop)
	assert.True(t, Match(rec, pkt(t, "eth0", tcp("2001:db8::1", "2001:db8::2", 1, 2))))
	assert.True(t, Match(rec, pkt(t, "eth0", tcp("2001:db8::2", "2001:db8::1", 1, 2))))
	assert.False(t, Match(rec, pkt(t, "eth0", tcp("2001:db8::3", "2001:db8::2", 1, 2))))
	assert.False(t, Match(rec, pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2))))
}

func TestMatchMAC(t *testing.T) {
	rec := macRec(t, "aa:bb:cc:dd:ee:ff", filter.TargetDrop)

	f := tcp("10.0.0.1", "10.0.0.2", 1, 2)
	f.SrcMAC = "aa:bb:cc:dd:ee:ff"
	assert.True(t, Match(rec, pkt(t, "eth0", f)))

	f.SrcMAC, f.DstMAC = "", "aa:bb:cc:dd:ee:ff"
	assert.True(t, Match(rec, pkt(t, "eth0", f)))

	f.DstMAC = ""
	assert.False(t, Match(rec, pkt(t, "eth0", f)))
}

func TestMatchConn_WildcardsAndFlow(t *testing.T) {
	fwd := pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1234, 80))
	rev := pkt(t, "eth0", tcp("10.0.0.2", "10.0.0.1", 80, 1234))

	conn := connRec(t, filter.TypeConnection, "10.0.0.1", "10.0.0.2", 1234, 80, filter.TargetDrop)
	assert.True(t, Match(conn, fwd))
	assert.False(t, Match(conn, rev))

	flow := connRec(t, filter.TypeFlow, "10.0.0.1", "10.0.0.2", 1234, 80, filter.TargetDrop)
	assert.True(t, Match(flow, fwd))
	assert.True(t, Match(flow, rev))

	wild := connRec(t, filter.TypeConnection, "", "", 0, 80, filter.TargetDrop)
	assert.True(t, Match(wild, fwd))
	assert.False(t, Match(wild, rev))

	udp := tcp("10.0.0.1", "10.0.0.2", 1234, 80)
	udp.Proto = "udp"
	assert.False(t, Match(conn, pkt(t, "eth0", udp)), "connection proto is tcp")
}

func TestMatch_RecordProto(t *testing.T) {
	rec := ipRec(t, "10.0.0.0/8", filter.TargetDrop)
	rec.Proto = filter.ProtoUDP

	assert.False(t, Match(rec, pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2))))
	u := tcp("10.0.0.1", "10.0.0.2", 1, 2)
	u.Proto = "udp"
	assert.True(t, Match(rec, pkt(t, "eth0", u)))
}

func TestEvaluate_Priority(t *testing.T) {
	e, tbl, _ := setup(t, PolicyAllow)

	catchAll := &filter.Record{Type: filter.TypeNone, Match: filter.AnyMatch{}, Target: filter.TargetCopy}
	mac := macRec(t, "02:00:00:00:00:01", filter.TargetWrite)
	ip := ipRec(t, "10.0.0.0/8", filter.TargetShare)
	conn := connRec(t, filter.TypeConnection, "", "", 0, 80, filter.TargetDrop)

	anyID := insert(t, tbl, catchAll)
	macID := insert(t, tbl, mac)
	ipID := insert(t, tbl, ip)
	connID := insert(t, tbl, conn)

	p := pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1234, 80))
	assert.Equal(t, connID, e.Evaluate(p).ID)

	require.NoError(t, tbl.Remove(connID))
	assert.Equal(t, ipID, e.Evaluate(p).ID)

	require.NoError(t, tbl.Remove(ipID))
	assert.Equal(t, macID, e.Evaluate(p).ID)

	require.NoError(t, tbl.Remove(macID))
	assert.Equal(t, anyID, e.Evaluate(p).ID)
}

func TestEvaluate_FirstInsertedWinsWithinClass(t *testing.T) {
	e, tbl, _ := setup(t, PolicyAllow)

	wide := insert(t, tbl, ipRec(t, "10.0.0.0/8", filter.TargetDrop))
	insert(t, tbl, ipRec(t, "10.0.0.0/24", filter.TargetShare))

	p := pkt(t, "eth0", tcp("10.0.0.1", "192.168.0.1", 1, 2))
	assert.Equal(t, wide, e.Evaluate(p).ID)
}

func TestEvaluate_InterfaceBinding(t *testing.T) {
	e, tbl, _ := setup(t, PolicyAllow)

	rec := ipRec(t, "10.0.0.0/8", filter.TargetDrop)
	rec.Interface = "eth1"
	insert(t, tbl, rec)

	assert.Nil(t, e.Evaluate(pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2))))
	assert.NotNil(t, e.Evaluate(pkt(t, "eth1", tcp("10.0.0.1", "10.0.0.2", 1, 2))))
}

func TestEvaluate_WindowBoundaries(t *testing.T) {
	e, tbl, clk := setup(t, PolicyAllow)

	rec := ipRec(t, "10.0.0.0/8", filter.TargetDrop)
	rec.Start = clk.Now().Add(10 * time.Second)
	rec.Duration = 5 * time.Second
	insert(t, tbl, rec)

	p := pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2))

	assert.Nil(t, e.Evaluate(p), "before start")
	clk.Advance(10 * time.Second)
	assert.NotNil(t, e.Evaluate(p), "at start")
	clk.Advance(5*time.Second - time.Nanosecond)
	assert.NotNil(t, e.Evaluate(p), "just before end")
	clk.Advance(time.Nanosecond)
	assert.Nil(t, e.Evaluate(p), "at end")
}

func TestEvaluate_WhitelistWins(t *testing.T) {
	for _, target := range []filter.Target{filter.TargetDrop, filter.TargetLimit} {
		t.Run(target.String(), func(t *testing.T) {
			e, tbl, _ := setup(t, PolicyDeny)

			blocker := connRec(t, filter.TypeConnection, "10.0.0.1", "10.0.0.2", 1234, 80, target)
			blocker.Params.LimitBurst = 1
			insert(t, tbl, blocker)

			// Lower class, inserted later, still overrides.
			allow := macRec(t, "02:00:00:00:00:01", filter.TargetWhitelist)
			allowID := insert(t, tbl, allow)

			for i := 0; i < 5; i++ {
				v := e.Process(pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1234, 80)))
				assert.Equal(t, action.Forward, v.Disposition)
				assert.Equal(t, allowID, v.Record.ID)
			}
		})
	}
}

func TestEvaluate_ExpiredWhitelistIgnored(t *testing.T) {
	e, tbl, clk := setup(t, PolicyAllow)

	dropID := insert(t, tbl, ipRec(t, "10.0.0.0/8", filter.TargetDrop))
	wl := ipRec(t, "10.0.0.1/32", filter.TargetWhitelist)
	wl.Duration = time.Second
	insert(t, tbl, wl)

	clk.Advance(2 * time.Second)
	assert.Equal(t, dropID, e.Evaluate(pkt(t, "eth0", tcp("10.0.0.1", "10.0.0.2", 1, 2))).ID)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("deny")
	require.NoError(t, err)
	assert.Equal(t, PolicyDeny, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAllow, p)

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}

// Mutators insert, modify and delete while matchers classify packets.
// Run with -race.
func TestProcess_ConcurrentMutation(t *testing.T) {
	e, tbl, _ := setup(t, PolicyAllow)

	const mutators, matchers, rounds = 4, 8, 200
	var wg sync.WaitGroup

	for m := 0; m < mutators; m++ {
		wg.Add(1)
		go func(m int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				rec := connRec(t, filter.TypeConnection, "", "", 0, uint16(1000+m*rounds+i), filter.TargetDrop)
				id, err := tbl.Insert(rec)
				if err != nil {
					t.Error(err)
					return
				}
				mod := connRec(t, filter.TypeConnection, "", "", 0, uint16(1000+m*rounds+i), filter.TargetLimit)
				mod.Params.LimitBurst = 1
				if _, err := tbl.Modify(id, mod); err != nil {
					t.Error(err)
					return
				}
				if i%2 == 0 {
					if err := tbl.Remove(id); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(m)
	}

	for w := 0; w < matchers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds*2; i++ {
				port := uint16(1000 + r.Intn(mutators*rounds))
				p := &packet.Packet{
					Interface: "eth0",
					SrcIP:     netip.MustParseAddr("10.0.0.1"),
					DstIP:     netip.MustParseAddr("10.0.0.2"),
					SrcPort:   40000,
					DstPort:   port,
					Proto:     filter.ProtoTCP,
					Data:      make([]byte, 60),
				}
				v := e.Process(p)
				if v.Record != nil {
					assert.Equal(t, port, v.Record.Match.(filter.ConnMatch).DstPort)
				}
				assert.NotEqual(t, action.Stolen, v.Disposition)
			}
		}(w)
	}

	wg.Wait()
	assert.Equal(t, mutators*rounds/2, tbl.Len())
}
