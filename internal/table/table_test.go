// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Unix(1_700_000_000, 0)}
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

func ipRecord(t *testing.T, iface, cidr string, target filter.Target) *filter.Record {
	t.Helper()
	pfx := netip.MustParsePrefix(cidr)
	m, err := filter.NewIPv4Match(pfx.Addr(), uint8(pfx.Bits()))
	require.NoError(t, err)
	return &filter.Record{Interface: iface, Type: filter.TypeIP, Match: m, Target: target}
}

func macRecord(t *testing.T, iface, mac string) *filter.Record {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	require.NoError(t, err)
	m, err := filter.NewEthMatch(hw)
	require.NoError(t, err)
	return &filter.Record{Interface: iface, Type: filter.TypeMAC, Match: m, Target: filter.TargetDrop}
}

func connRecord(t *testing.T, iface string, dport uint16) *filter.Record {
	t.Helper()
	m, err := filter.NewConnMatch(netip.Addr{}, netip.Addr{}, 0, dport, filter.ProtoTCP)
	require.NoError(t, err)
	return &filter.Record{Interface: iface, Type: filter.TypeConnection, Match: m, Target: filter.TargetDrop}
}

func ids(c Candidates) []uint64 {
	var out []uint64
	c.Each(func(r *filter.Record) bool {
		out = append(out, r.ID)
		return true
	})
	return out
}

func TestInsert_AssignsIncreasingIDs(t *testing.T) {
	tbl := New(Options{})

	id1, err := tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))
	require.NoError(t, err)
	id2, err := tbl.Insert(ipRecord(t, "eth0", "192.168.0.0/16", filter.TargetDrop))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, 2, tbl.Len())

	rec, ok := tbl.Get(id1)
	require.True(t, ok)
	assert.NotNil(t, rec.State)
	assert.False(t, rec.Start.IsZero(), "zero start is replaced by now")
}

func TestInsert_Duplicate(t *testing.T) {
	c := newClock()
	tbl := New(Options{Now: c.Now})

	rec := ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop)
	rec.Duration = 10 * time.Second
	id, err := tbl.Insert(rec)
	require.NoError(t, err)

	_, err = tbl.Insert(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateFilter))
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	assert.Equal(t, id, errors.GetAttributes(err)["id"])

	// Different target is a different filter.
	_, err = tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetCopy))
	assert.NoError(t, err)

	// Once expired, the same key may be installed again even before a sweep.
	c.Advance(10 * time.Second)
	rec.Start = time.Time{}
	newID, err := tbl.Insert(rec)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	_, ok := tbl.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 2, tbl.Len())
}

func TestInsert_Capacity(t *testing.T) {
	tbl := New(Options{Capacity: 2})

	_, err := tbl.Insert(connRecord(t, "", 80))
	require.NoError(t, err)
	_, err = tbl.Insert(connRecord(t, "", 443))
	require.NoError(t, err)

	_, err = tbl.Insert(connRecord(t, "", 22))
	assert.True(t, errors.Is(err, errors.ErrTableFull))
	assert.Equal(t, 2, tbl.Len())
}

func TestInsert_CapacityIgnoresExpired(t *testing.T) {
	c := newClock()
	var changes []Change
	tbl := New(Options{Capacity: 1, Now: c.Now, OnChange: func(ch Change) { changes = append(changes, ch) }})

	old := connRecord(t, "", 80)
	old.Duration = time.Minute
	oldID, err := tbl.Insert(old)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	id, err := tbl.Insert(connRecord(t, "", 443))
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
	_, ok := tbl.Get(oldID)
	assert.False(t, ok)
	assert.Equal(t, []uint64{id}, ids(tbl.Lookup("eth0")))

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeExpire, changes[1].Op)

	// A live record still fills the table.
	_, err = tbl.Insert(connRecord(t, "", 22))
	assert.True(t, errors.Is(err, errors.ErrTableFull))
}

func TestInsert_Invalid(t *testing.T) {
	tbl := New(Options{})

	_, err := tbl.Insert(&filter.Record{Type: filter.Type(9), Match: filter.AnyMatch{}, Target: filter.TargetDrop})
	assert.Equal(t, errors.KindInvalidType, errors.GetKind(err))

	_, err = tbl.Insert(nil)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	tbl = New(Options{Validate: func(r *filter.Record) error {
		return errors.New(errors.KindMalformed, "rejected")
	}})
	_, err = tbl.Insert(connRecord(t, "", 80))
	assert.Error(t, err)
	assert.Equal(t, 0, tbl.Len())
}

func TestLookup_PriorityOrder(t *testing.T) {
	tbl := New(Options{})

	anyID, _ := tbl.Insert(&filter.Record{Type: filter.TypeNone, Match: filter.AnyMatch{}, Target: filter.TargetCopy})
	macID, _ := tbl.Insert(macRecord(t, "eth0", "aa:bb:cc:dd:ee:ff"))
	ipID, _ := tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))
	wildIP, _ := tbl.Insert(ipRecord(t, "", "172.16.0.0/12", filter.TargetDrop))
	connID, _ := tbl.Insert(connRecord(t, "eth0", 80))
	otherIface, _ := tbl.Insert(ipRecord(t, "eth1", "10.0.0.0/8", filter.TargetDrop))

	assert.Equal(t, []uint64{connID, ipID, wildIP, macID, anyID}, ids(tbl.Lookup("eth0")))
	assert.Equal(t, []uint64{otherIface, wildIP, anyID}, ids(tbl.Lookup("eth1")))
	assert.Equal(t, []uint64{wildIP, anyID}, ids(tbl.Lookup("")))
	assert.Equal(t, 5, tbl.Lookup("eth0").Len())
}

func TestLookup_MergesWildcardByID(t *testing.T) {
	tbl := New(Options{})

	a, _ := tbl.Insert(ipRecord(t, "", "10.1.0.0/16", filter.TargetDrop))
	b, _ := tbl.Insert(ipRecord(t, "eth0", "10.2.0.0/16", filter.TargetDrop))
	c, _ := tbl.Insert(ipRecord(t, "", "10.3.0.0/16", filter.TargetDrop))
	d, _ := tbl.Insert(ipRecord(t, "eth0", "10.4.0.0/16", filter.TargetDrop))

	assert.Equal(t, []uint64{a, b, c, d}, ids(tbl.Lookup("eth0")))
}

func TestLookup_StopsEarly(t *testing.T) {
	tbl := New(Options{})
	for i := 0; i < 5; i++ {
		_, err := tbl.Insert(connRecord(t, "", uint16(1000+i)))
		require.NoError(t, err)
	}

	n := 0
	tbl.Lookup("eth0").Each(func(*filter.Record) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestLookup_WhitelistFlag(t *testing.T) {
	tbl := New(Options{})
	_, _ = tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))
	assert.False(t, tbl.Lookup("eth0").HasWhitelist())

	id, _ := tbl.Insert(ipRecord(t, "eth1", "10.0.0.0/8", filter.TargetWhitelist))
	assert.False(t, tbl.Lookup("eth0").HasWhitelist())
	assert.True(t, tbl.Lookup("eth1").HasWhitelist())

	require.NoError(t, tbl.Remove(id))
	assert.False(t, tbl.Lookup("eth1").HasWhitelist())
}

func TestSnapshotIsolation(t *testing.T) {
	tbl := New(Options{})
	id, _ := tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))

	before := tbl.Lookup("eth0")
	_, _ = tbl.Insert(ipRecord(t, "eth0", "11.0.0.0/8", filter.TargetDrop))
	require.NoError(t, tbl.Remove(id))

	assert.Equal(t, []uint64{id}, ids(before), "old snapshot is unchanged")
	assert.Equal(t, []uint64{2}, ids(tbl.Lookup("eth0")))
}

func TestModify_KeepsStateAndPosition(t *testing.T) {
	tbl := New(Options{})

	first, _ := tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))
	second, _ := tbl.Insert(ipRecord(t, "eth0", "11.0.0.0/8", filter.TargetDrop))

	orig, _ := tbl.Get(first)
	orig.State.Hit(100)

	upd := ipRecord(t, "eth0", "12.0.0.0/8", filter.TargetShare)
	id, err := tbl.Modify(first, upd)
	require.NoError(t, err)
	assert.Equal(t, first, id)

	got, _ := tbl.Get(first)
	assert.Equal(t, filter.TargetShare, got.Target)
	assert.Same(t, orig.State, got.State)
	assert.Equal(t, uint64(100), got.State.Snapshot().Bytes)
	assert.Equal(t, orig.Start, got.Start)
	assert.Equal(t, []uint64{first, second}, ids(tbl.Lookup("eth0")))

	// The old key is gone, the new one is addressable.
	_, err = tbl.RemoveKey(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop).Key())
	assert.True(t, errors.Is(err, errors.ErrFilterNotFound))
	removed, err := tbl.RemoveKey(upd.Key())
	require.NoError(t, err)
	assert.Equal(t, first, removed)
}

func TestModify_MovesBetweenInterfaces(t *testing.T) {
	tbl := New(Options{})
	id, _ := tbl.Insert(ipRecord(t, "eth0", "10.0.0.0/8", filter.TargetDrop))

	_, err := tbl.Modify(id, ipRecord(t, "eth1", "10.0.0.0/8", filter.TargetDrop))
	require.NoError(t, err)

	assert.Empty(t, ids(tbl.Lookup("eth0")))
	assert.Equal(t, []uint64{id}, ids(tbl.Lookup("eth1")))
	assert.Equal(t, 1, tbl.Len())
}

func TestModify_Errors(t *testing.T) {
	tbl := New(Options{})
	_, err := tbl.Modify(42, connRecord(t, "", 80))
	assert.True(t, errors.Is(err, errors.ErrFilterNotFound))

	a, _ := tbl.Insert(connRecord(t, "", 80))
	_, _ = tbl.Insert(connRecord(t, "", 443))

	_, err = tbl.Modify(a, connRecord(t, "", 443))
	assert.True(t, errors.Is(err, errors.ErrDuplicateFilter))

	_, err = tbl.ModifyKey(connRecord(t, "", 22).Key(), connRecord(t, "", 23))
	assert.True(t, errors.Is(err, errors.ErrFilterNotFound))

	id, err := tbl.ModifyKey(connRecord(t, "", 80).Key(), connRecord(t, "", 8080))
	require.NoError(t, err)
	assert.Equal(t, a, id)
}

func TestModify_ResetsLimiterOnlyWhenParamsChange(t *testing.T) {
	c := newClock()
	tbl := New(Options{Now: c.Now})

	rec := ipRecord(t, "", "10.0.0.0/8", filter.TargetLimit)
	rec.Params = filter.Params{LimitBurst: 1}
	id, _ := tbl.Insert(rec)

	got, _ := tbl.Get(id)
	assert.True(t, got.State.Allow(c.Now()))
	assert.False(t, got.State.Allow(c.Now()))

	// Same limit params: bucket stays drained.
	_, err := tbl.Modify(id, rec)
	require.NoError(t, err)
	got, _ = tbl.Get(id)
	assert.False(t, got.State.Allow(c.Now()))

	rec.Params.LimitBurst = 2
	_, err = tbl.Modify(id, rec)
	require.NoError(t, err)
	got, _ = tbl.Get(id)
	assert.True(t, got.State.Allow(c.Now()))
	assert.True(t, got.State.Allow(c.Now()))
	assert.False(t, got.State.Allow(c.Now()))
}

func TestModify_RearmsNotifyWhenThresholdChanges(t *testing.T) {
	tbl := New(Options{})

	rec := ipRecord(t, "", "10.0.0.0/8", filter.TargetPktNotify)
	rec.Params = filter.Params{Threshold: 2}
	id, err := tbl.Insert(rec)
	require.NoError(t, err)

	got, _ := tbl.Get(id)
	_, fired := got.State.AddNotify(1, 2, false)
	assert.False(t, fired)
	_, fired = got.State.AddNotify(1, 2, false)
	assert.True(t, fired)

	// Same params: the fire-once record stays spent.
	_, err = tbl.Modify(id, rec)
	require.NoError(t, err)
	got, _ = tbl.Get(id)
	_, fired = got.State.AddNotify(5, 2, false)
	assert.False(t, fired)

	got.State.Hit(40)
	rec.Params.Threshold = 3
	_, err = tbl.Modify(id, rec)
	require.NoError(t, err)
	got, _ = tbl.Get(id)
	assert.Equal(t, uint64(0), got.State.Snapshot().Notify)
	assert.Equal(t, uint64(1), got.State.Snapshot().Hits, "hit counters survive")

	for i := 0; i < 2; i++ {
		_, fired = got.State.AddNotify(1, 3, false)
		assert.False(t, fired)
	}
	_, fired = got.State.AddNotify(1, 3, false)
	assert.True(t, fired)
}

func TestRemove(t *testing.T) {
	var changes []Change
	tbl := New(Options{OnChange: func(c Change) { changes = append(changes, c) }})

	id, _ := tbl.Insert(connRecord(t, "eth0", 80))
	require.NoError(t, tbl.Remove(id))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, ids(tbl.Lookup("eth0")))

	err := tbl.Remove(id)
	assert.True(t, errors.Is(err, errors.ErrFilterNotFound))

	require.Len(t, changes, 2)
	assert.Equal(t, ChangeInsert, changes[0].Op)
	assert.Equal(t, ChangeDelete, changes[1].Op)
}

func TestExpireSweep(t *testing.T) {
	c := newClock()
	var expired atomic.Int32
	tbl := New(Options{Now: c.Now, OnChange: func(ch Change) {
		if ch.Op == ChangeExpire {
			expired.Add(1)
		}
	}})

	short := connRecord(t, "", 80)
	short.Duration = 60 * time.Second
	shortID, _ := tbl.Insert(short)

	forever := connRecord(t, "", 443)
	foreverID, _ := tbl.Insert(forever)

	assert.Equal(t, 0, tbl.ExpireSweep(c.Now().Add(59*time.Second)))
	assert.Equal(t, 1, tbl.ExpireSweep(c.Now().Add(60*time.Second)))

	_, ok := tbl.Get(shortID)
	assert.False(t, ok)
	_, ok = tbl.Get(foreverID)
	assert.True(t, ok)
	assert.Equal(t, []uint64{foreverID}, ids(tbl.Lookup("eth0")))
	assert.Equal(t, int32(1), expired.Load())

	// The key is free again.
	_, err := tbl.Insert(short)
	assert.NoError(t, err)
}

func TestRun_SweepsWithoutTraffic(t *testing.T) {
	tbl := New(Options{SweepInterval: 5 * time.Millisecond})

	rec := connRecord(t, "", 80)
	rec.Duration = 10 * time.Millisecond
	_, err := tbl.Insert(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tbl.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return tbl.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestList(t *testing.T) {
	tbl := New(Options{})
	a, _ := tbl.Insert(connRecord(t, "eth0", 80))
	b, _ := tbl.Insert(connRecord(t, "", 80))
	_, _ = tbl.Insert(connRecord(t, "eth1", 80))

	var got []uint64
	for _, r := range tbl.List("eth0") {
		got = append(got, r.ID)
	}
	assert.Equal(t, []uint64{a, b}, got)
	assert.Len(t, tbl.List(""), 3)
}

func TestGetKey(t *testing.T) {
	tbl := New(Options{})
	rec := connRecord(t, "eth0", 443)
	id, err := tbl.Insert(rec)
	require.NoError(t, err)

	got, ok := tbl.GetKey(rec.Key())
	require.True(t, ok)
	assert.Equal(t, id, got.ID)

	_, ok = tbl.GetKey(connRecord(t, "eth1", 443).Key())
	assert.False(t, ok)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	tbl := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				var last uint64
				tbl.Lookup("eth0").Each(func(rec *filter.Record) bool {
					// IDs within the IP class are strictly increasing.
					if rec.ID <= last {
						t.Errorf("out of order: %d after %d", rec.ID, last)
						return false
					}
					last = rec.ID
					return true
				})
			}
		}()
	}

	for i := 0; i < 500; i++ {
		iface := ""
		if i%2 == 0 {
			iface = "eth0"
		}
		m, err := filter.NewIPv4Match(netip.MustParseAddr(fmt.Sprintf("10.%d.%d.0", i/256, i%256)), 24)
		require.NoError(t, err)
		id, err := tbl.Insert(&filter.Record{Interface: iface, Type: filter.TypeIP, Match: m, Target: filter.TargetDrop})
		require.NoError(t, err)
		if i%3 == 0 {
			require.NoError(t, tbl.Remove(id))
		}
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 500-167, tbl.Len())
}
