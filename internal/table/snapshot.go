// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package table

import (
	"grimm.is/bricks/internal/filter"
)

// snapshot is an immutable view of the table published to readers.
// Writers build the next snapshot by copying only the buckets they touch.
type snapshot struct {
	ifaces map[string]*bucket
	size   int
}

// bucket holds the records bound to one interface name ("" = every
// interface), split by priority class, each class in ascending ID order.
type bucket struct {
	classes    [filter.NumClasses][]*filter.Record
	whitelists int
}

func (b *bucket) empty() bool {
	for _, c := range b.classes {
		if len(c) > 0 {
			return false
		}
	}
	return true
}

var emptySnapshot = &snapshot{ifaces: map[string]*bucket{}}

// builder derives a new snapshot from a base one without mutating it.
type builder struct {
	snap    *snapshot
	touched map[string]bool
}

func newBuilder(base *snapshot) *builder {
	next := &snapshot{ifaces: make(map[string]*bucket, len(base.ifaces)+1), size: base.size}
	for k, v := range base.ifaces {
		next.ifaces[k] = v
	}
	return &builder{snap: next, touched: make(map[string]bool)}
}

func (b *builder) bucket(iface string) *bucket {
	if !b.touched[iface] {
		nb := &bucket{}
		if old := b.snap.ifaces[iface]; old != nil {
			*nb = *old
		}
		b.snap.ifaces[iface] = nb
		b.touched[iface] = true
	}
	return b.snap.ifaces[iface]
}

func (b *builder) add(rec *filter.Record) {
	bk := b.bucket(rec.Interface)
	cl := rec.Type.Class()
	old := bk.classes[cl]

	next := make([]*filter.Record, 0, len(old)+1)
	i := 0
	for i < len(old) && old[i].ID < rec.ID {
		next = append(next, old[i])
		i++
	}
	next = append(next, rec)
	next = append(next, old[i:]...)
	bk.classes[cl] = next

	if rec.Target == filter.TargetWhitelist {
		bk.whitelists++
	}
	b.snap.size++
}

func (b *builder) remove(rec *filter.Record) {
	bk := b.bucket(rec.Interface)
	cl := rec.Type.Class()
	old := bk.classes[cl]

	next := make([]*filter.Record, 0, len(old))
	for _, r := range old {
		if r.ID != rec.ID {
			next = append(next, r)
		}
	}
	if len(next) == len(old) {
		return
	}
	bk.classes[cl] = next

	if rec.Target == filter.TargetWhitelist {
		bk.whitelists--
	}
	b.snap.size--
	if bk.empty() {
		delete(b.snap.ifaces, rec.Interface)
	}
}

// Candidates is the ordered set of records that may apply to a packet on
// one interface. It reads from an immutable snapshot and is safe to use
// after the table has moved on.
type Candidates struct {
	iface *bucket
	any   *bucket
}

// HasWhitelist reports whether any candidate is a WHITELIST record.
func (c Candidates) HasWhitelist() bool {
	return (c.iface != nil && c.iface.whitelists > 0) || (c.any != nil && c.any.whitelists > 0)
}

// Len returns the number of candidates.
func (c Candidates) Len() int {
	n := 0
	for cl := filter.Class(0); cl < filter.NumClasses; cl++ {
		if c.iface != nil {
			n += len(c.iface.classes[cl])
		}
		if c.any != nil {
			n += len(c.any.classes[cl])
		}
	}
	return n
}

// Each calls fn for every candidate in priority order: connection class,
// IP class, MAC class, then catch-all; within a class by ascending ID, so
// first-inserted comes first. Iteration stops when fn returns false.
func (c Candidates) Each(fn func(*filter.Record) bool) {
	for cl := filter.Class(0); cl < filter.NumClasses; cl++ {
		var a, b []*filter.Record
		if c.iface != nil {
			a = c.iface.classes[cl]
		}
		if c.any != nil {
			b = c.any.classes[cl]
		}

		i, j := 0, 0
		for i < len(a) || j < len(b) {
			var r *filter.Record
			if j >= len(b) || (i < len(a) && a[i].ID < b[j].ID) {
				r = a[i]
				i++
			} else {
				r = b[j]
				j++
			}
			if !fn(r) {
				return
			}
		}
	}
}
