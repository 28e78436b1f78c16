// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package table holds the installed filter records.
//
// The datapath reads through an immutable snapshot loaded with a single
// atomic load; control-plane writers serialise on a mutex and publish a
// new snapshot per mutation.
package table

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/logging"
)

// ChangeOp describes a table mutation.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeModify ChangeOp = "modify"
	ChangeDelete ChangeOp = "delete"
	ChangeExpire ChangeOp = "expire"
)

// Change is passed to Options.OnChange after a mutation is published.
type Change struct {
	Op     ChangeOp
	Record *filter.Record
}

// Options configures a Table.
type Options struct {
	// Capacity bounds the number of records; 0 means unbounded.
	Capacity int
	// SweepInterval is the period of Run's expiry sweep.
	SweepInterval time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// Validate runs after Record.Validate on insert and modify.
	Validate func(*filter.Record) error
	// OnChange is called outside the writer lock for every published change.
	OnChange func(Change)
	Logger   *logging.Logger
}

// DefaultOptions returns the daemon defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:      65536,
		SweepInterval: time.Second,
	}
}

// Table is the filter table.
type Table struct {
	opts   Options
	logger *logging.Logger

	cur atomic.Pointer[snapshot]

	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*filter.Record
	byKey  map[filter.Key]uint64
}

// New creates an empty table.
func New(opts Options) *Table {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("table")
	}
	t := &Table{
		opts:   opts,
		logger: logger,
		byID:   make(map[uint64]*filter.Record),
		byKey:  make(map[filter.Key]uint64),
	}
	t.cur.Store(emptySnapshot)
	return t
}

// Now returns the table clock.
func (t *Table) Now() time.Time {
	return t.opts.Now()
}

func (t *Table) validate(rec *filter.Record) error {
	if rec == nil {
		return errors.New(errors.KindMalformed, "nil record")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if t.opts.Validate != nil {
		return t.opts.Validate(rec)
	}
	return nil
}

// Insert installs rec and returns its assigned ID. The caller's record is
// copied; a zero Start means "now".
func (t *Table) Insert(rec *filter.Record) (uint64, error) {
	if err := t.validate(rec); err != nil {
		return 0, err
	}

	t.mu.Lock()
	now := t.opts.Now()
	next := rec.Clone()
	if next.Start.IsZero() {
		next.Start = now
	}

	b := newBuilder(t.cur.Load())
	var expired []*filter.Record

	key := next.Key()
	if id, ok := t.byKey[key]; ok {
		existing := t.byID[id]
		if !existing.Expired(now) {
			t.mu.Unlock()
			return 0, errors.Attr(errors.Attr(errors.ErrDuplicateFilter, "id", id), "key", key.String())
		}
		// An expired record the sweeper has not reached yet does not
		// block its replacement.
		t.removeLocked(b, existing)
		expired = append(expired, existing)
	}

	if t.opts.Capacity > 0 && len(t.byID) >= t.opts.Capacity {
		// Records past their window do not hold capacity.
		for _, r := range t.byID {
			if r.Expired(now) {
				t.removeLocked(b, r)
				expired = append(expired, r)
			}
		}
	}
	if t.opts.Capacity > 0 && len(t.byID) >= t.opts.Capacity {
		if len(expired) > 0 {
			t.cur.Store(b.snap)
		}
		t.mu.Unlock()
		for _, r := range expired {
			t.notify(ChangeExpire, r)
		}
		return 0, errors.Attr(errors.ErrTableFull, "capacity", t.opts.Capacity)
	}

	t.nextID++
	next.ID = t.nextID
	next.State = filter.NewState(next.Params)

	b.add(next)
	t.byID[next.ID] = next
	t.byKey[key] = next.ID
	t.cur.Store(b.snap)
	t.mu.Unlock()

	t.logger.Debug("filter inserted", "id", next.ID, "filter", next.String())
	for _, r := range expired {
		t.notify(ChangeExpire, r)
	}
	t.notify(ChangeInsert, next)
	return next.ID, nil
}

// Modify replaces record id with rec, keeping its ID, position and hit,
// byte and drop counters. The token bucket restarts when the limit
// parameters change; notify progress restarts when the target, threshold
// or reset mode change.
func (t *Table) Modify(id uint64, rec *filter.Record) (uint64, error) {
	if err := t.validate(rec); err != nil {
		return 0, err
	}

	t.mu.Lock()
	existing, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return 0, errors.Attr(errors.ErrFilterNotFound, "id", id)
	}
	next, err := t.modifyLocked(existing, rec)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}

	t.logger.Debug("filter modified", "id", id, "filter", next.String())
	t.notify(ChangeModify, next)
	return id, nil
}

// ModifyKey is Modify addressed by identity key.
func (t *Table) ModifyKey(key filter.Key, rec *filter.Record) (uint64, error) {
	if err := t.validate(rec); err != nil {
		return 0, err
	}

	t.mu.Lock()
	id, ok := t.byKey[key]
	if !ok {
		t.mu.Unlock()
		return 0, errors.Attr(errors.ErrFilterNotFound, "key", key.String())
	}
	next, err := t.modifyLocked(t.byID[id], rec)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}

	t.logger.Debug("filter modified", "id", id, "filter", next.String())
	t.notify(ChangeModify, next)
	return id, nil
}

func (t *Table) modifyLocked(existing, rec *filter.Record) (*filter.Record, error) {
	now := t.opts.Now()
	next := rec.Clone()
	next.ID = existing.ID
	next.State = existing.State
	if next.Start.IsZero() {
		next.Start = existing.Start
	}

	oldKey := existing.Key()
	newKey := next.Key()
	if newKey != oldKey {
		if other, ok := t.byKey[newKey]; ok && other != existing.ID && !t.byID[other].Expired(now) {
			return nil, errors.Attr(errors.Attr(errors.ErrDuplicateFilter, "id", other), "key", newKey.String())
		}
	}

	if existing.Params.LimitBurst != next.Params.LimitBurst || existing.Params.LimitRate != next.Params.LimitRate {
		next.State.ResetLimiter(next.Params)
	}
	if existing.Target != next.Target || existing.Params.Threshold != next.Params.Threshold ||
		existing.Params.NotifyReset != next.Params.NotifyReset {
		next.State.ResetNotify()
	}

	b := newBuilder(t.cur.Load())
	b.remove(existing)
	if newKey != oldKey {
		if other, ok := t.byKey[newKey]; ok && other != existing.ID {
			t.removeLocked(b, t.byID[other])
		}
		delete(t.byKey, oldKey)
	}
	b.add(next)
	t.byID[next.ID] = next
	t.byKey[newKey] = next.ID
	t.cur.Store(b.snap)
	return next, nil
}

// Remove deletes record id.
func (t *Table) Remove(id uint64) error {
	t.mu.Lock()
	rec, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return errors.Attr(errors.ErrFilterNotFound, "id", id)
	}
	b := newBuilder(t.cur.Load())
	t.removeLocked(b, rec)
	t.cur.Store(b.snap)
	t.mu.Unlock()

	t.logger.Debug("filter removed", "id", id)
	t.notify(ChangeDelete, rec)
	return nil
}

// RemoveKey deletes the record with the given identity key and returns its ID.
func (t *Table) RemoveKey(key filter.Key) (uint64, error) {
	t.mu.Lock()
	id, ok := t.byKey[key]
	if !ok {
		t.mu.Unlock()
		return 0, errors.Attr(errors.ErrFilterNotFound, "key", key.String())
	}
	rec := t.byID[id]
	b := newBuilder(t.cur.Load())
	t.removeLocked(b, rec)
	t.cur.Store(b.snap)
	t.mu.Unlock()

	t.logger.Debug("filter removed", "id", id)
	t.notify(ChangeDelete, rec)
	return id, nil
}

// removeLocked unlinks rec from the indexes and from the snapshot being
// built. Every removal path, including expiry, goes through here.
func (t *Table) removeLocked(b *builder, rec *filter.Record) {
	b.remove(rec)
	delete(t.byID, rec.ID)
	if t.byKey[rec.Key()] == rec.ID {
		delete(t.byKey, rec.Key())
	}
}

// Lookup returns the candidates for a packet seen on iface. It never blocks.
func (t *Table) Lookup(iface string) Candidates {
	s := t.cur.Load()
	c := Candidates{any: s.ifaces[""]}
	if iface != "" {
		c.iface = s.ifaces[iface]
	}
	return c
}

// Get returns record id.
func (t *Table) Get(id uint64) (*filter.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[id]
	return rec, ok
}

// GetKey returns the record installed under key.
func (t *Table) GetKey(key filter.Key) (*filter.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	return t.byID[id], true
}

// List returns the records bound to iface, or all records when iface is
// empty, in ascending ID order.
func (t *Table) List(iface string) []*filter.Record {
	t.mu.Lock()
	out := make([]*filter.Record, 0, len(t.byID))
	for _, rec := range t.byID {
		if iface == "" || rec.AppliesTo(iface) {
			out = append(out, rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of installed records.
func (t *Table) Len() int {
	return t.cur.Load().size
}

// ExpireSweep removes every record whose window has ended at now and
// returns how many were removed.
func (t *Table) ExpireSweep(now time.Time) int {
	t.mu.Lock()
	var expired []*filter.Record
	for _, rec := range t.byID {
		if rec.Expired(now) {
			expired = append(expired, rec)
		}
	}
	if len(expired) == 0 {
		t.mu.Unlock()
		return 0
	}
	b := newBuilder(t.cur.Load())
	for _, rec := range expired {
		t.removeLocked(b, rec)
	}
	t.cur.Store(b.snap)
	t.mu.Unlock()

	t.logger.Info("expired filters removed", "count", len(expired))
	for _, rec := range expired {
		t.notify(ChangeExpire, rec)
	}
	return len(expired)
}

// Run sweeps expired records every SweepInterval until ctx is done.
func (t *Table) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ExpireSweep(t.opts.Now())
		}
	}
}

func (t *Table) notify(op ChangeOp, rec *filter.Record) {
	if t.opts.OnChange != nil {
		t.opts.OnChange(Change{Op: op, Record: rec})
	}
}
