// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package datapath

import (
	"sync"
	"time"
)

// ifnameRetry is how long a failed index lookup is remembered.
const ifnameRetry = 5 * time.Second

type ifnameEntry struct {
	name string
	// retry is set for failed lookups; zero means the name is final.
	retry time.Time
}

// ifnameCache maps interface indexes to names. Failed lookups are cached
// as "" until their retry time so a vanished link does not cost a netlink
// round trip per packet.
type ifnameCache struct {
	lookup func(index uint32) (string, error)
	now    func() time.Time
	onErr  func(index uint32, err error)

	mu      sync.RWMutex
	entries map[uint32]ifnameEntry
}

func newIfnameCache(lookup func(uint32) (string, error)) *ifnameCache {
	return &ifnameCache{
		lookup:  lookup,
		now:     time.Now,
		entries: make(map[uint32]ifnameEntry),
	}
}

func (c *ifnameCache) name(index uint32) string {
	c.mu.RLock()
	e, ok := c.entries[index]
	c.mu.RUnlock()
	if ok && (e.retry.IsZero() || c.now().Before(e.retry)) {
		return e.name
	}

	name, err := c.lookup(index)
	if err != nil {
		if c.onErr != nil {
			c.onErr(index, err)
		}
		e = ifnameEntry{retry: c.now().Add(ifnameRetry)}
	} else {
		e = ifnameEntry{name: name}
	}

	c.mu.Lock()
	c.entries[index] = e
	c.mu.Unlock()
	return e.name
}
