// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/logging"
)

// RecordSource is the part of the filter table the collector samples.
type RecordSource interface {
	List(iface string) []*filter.Record
	Len() int
}

// RecordStats holds the sampled counters and rates of one filter.
type RecordStats struct {
	ID        uint64  `json:"id"`
	Interface string  `json:"interface,omitempty"`
	Type      string  `json:"type"`
	Match     string  `json:"match"`
	Target    string  `json:"target"`
	Hits      uint64  `json:"hits"`
	Bytes     uint64  `json:"bytes"`
	Drops     uint64  `json:"drops"`
	PacketsPS float64 `json:"packets_per_sec"`
	BytesPS   float64 `json:"bytes_per_sec"`

	// Previous values for rate calculation (not exported to JSON)
	prevHits      uint64    `json:"-"`
	prevBytes     uint64    `json:"-"`
	prevTimestamp time.Time `json:"-"`
}

// Collector periodically samples per-filter counters, derives rates and
// keeps the table size gauge current.
type Collector struct {
	source   RecordSource
	metrics  *Metrics
	logger   *logging.Logger
	interval time.Duration
	now      func() time.Time

	mu          sync.RWMutex
	lastUpdate  time.Time
	recordStats map[uint64]*RecordStats
}

// NewCollector creates a new metrics collector.
func NewCollector(source RecordSource, m *Metrics, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		source:      source,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		now:         time.Now,
		recordStats: make(map[uint64]*RecordStats),
	}
}

// Run samples every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Collect takes one sample.
func (c *Collector) Collect() {
	now := c.now()
	records := c.source.List("")

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[uint64]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
		counters := rec.State.Snapshot()

		stats, ok := c.recordStats[rec.ID]
		if !ok {
			stats = &RecordStats{ID: rec.ID}
			c.recordStats[rec.ID] = stats
		}
		stats.Interface = rec.Interface
		stats.Type = rec.Type.String()
		stats.Match = rec.Match.String()
		stats.Target = rec.Target.String()

		if !stats.prevTimestamp.IsZero() {
			elapsed := now.Sub(stats.prevTimestamp).Seconds()
			stats.PacketsPS = c.calculateRate(counters.Hits, stats.prevHits, elapsed)
			stats.BytesPS = c.calculateRate(counters.Bytes, stats.prevBytes, elapsed)
		}
		stats.Hits = counters.Hits
		stats.Bytes = counters.Bytes
		stats.Drops = counters.Drops
		stats.prevHits = counters.Hits
		stats.prevBytes = counters.Bytes
		stats.prevTimestamp = now
	}

	for id := range c.recordStats {
		if !seen[id] {
			delete(c.recordStats, id)
		}
	}

	c.metrics.SetTableEntries(c.source.Len())
	c.lastUpdate = now
}

// calculateRate computes the per-second rate, treating a counter that went
// backwards as reset to zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}

// GetRecordStats returns a copy of the sampled stats for id.
func (c *Collector) GetRecordStats(id uint64) (RecordStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.recordStats[id]
	if !ok {
		return RecordStats{}, false
	}
	return *s, true
}

// GetAllRecordStats returns a copy of every sampled record.
func (c *Collector) GetAllRecordStats() map[uint64]RecordStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[uint64]RecordStats, len(c.recordStats))
	for k, v := range c.recordStats {
		result[k] = *v
	}
	return result
}

// GetLastUpdate returns the timestamp of the last sample.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
