// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
)

// Callback receives notification events on a scheduler worker.
type Callback interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc struct {
	ID string
	Fn func(ctx context.Context, ev Event) error
}

func (f CallbackFunc) Name() string { return f.ID }

func (f CallbackFunc) Notify(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
}

// Scheduler delivers events to registered callbacks off the datapath.
// Events are sharded across workers by record ID, so events of one filter
// are delivered in the order they were enqueued.
type Scheduler struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	queues    []chan Event
	callbacks []Callback
	started   bool
	stopped   bool

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	dropped atomic.Uint64
}

// NewScheduler creates a scheduler. Call Start before enqueueing.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("notification")
	}

	s := &Scheduler{
		logger:  logger,
		metrics: cfg.Metrics,
		queues:  make([]chan Event, cfg.Workers),
	}
	for i := range s.queues {
		s.queues[i] = make(chan Event, cfg.QueueSize)
	}
	return s
}

// Register adds a callback. Callbacks run in registration order.
func (s *Scheduler) Register(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Unregister removes the callback with the given name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.callbacks[:0:0]
	for _, cb := range s.callbacks {
		if cb.Name() != name {
			out = append(out, cb)
		}
	}
	s.callbacks = out
}

// Start launches the workers. ctx bounds callback execution.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for i, q := range s.queues {
		s.wg.Add(1)
		go s.worker(ctx, i, q)
	}
	s.logger.Info("notification scheduler started", "workers", len(s.queues))
}

// Enqueue hands ev to its worker without blocking. It returns false when
// the worker queue is full or the scheduler is stopped; the event is then
// dropped and counted.
func (s *Scheduler) Enqueue(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.drop(ev, "stopped")
		return false
	}

	q := s.queues[ev.RecordID%uint64(len(s.queues))]
	select {
	case q <- ev:
		s.metrics.ObserveNotification(true)
		return true
	default:
		s.drop(ev, "queue full")
		return false
	}
}

func (s *Scheduler) drop(ev Event, reason string) {
	s.dropped.Add(1)
	s.metrics.ObserveNotification(false)
	s.logger.Debug("notification dropped", "reason", reason, "record", ev.RecordID)
}

// Dropped returns how many events were dropped.
func (s *Scheduler) Dropped() uint64 {
	return s.dropped.Load()
}

// Stop closes the queues, waits for workers to drain what was already
// queued, then cancels the callback context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, q := range s.queues {
		close(q)
	}
	started := s.started
	s.mu.Unlock()

	if started {
		s.wg.Wait()
		s.cancel()
	}
	s.logger.Info("notification scheduler stopped", "dropped", s.dropped.Load())
}

func (s *Scheduler) worker(ctx context.Context, id int, q <-chan Event) {
	defer s.wg.Done()
	for ev := range q {
		s.mu.RLock()
		cbs := s.callbacks
		s.mu.RUnlock()

		for _, cb := range cbs {
			err := s.invoke(ctx, cb, ev)
			s.metrics.ObserveDelivery(cb.Name(), err)
			if err != nil {
				s.logger.Error("notification callback failed",
					"worker", id,
					"callback", cb.Name(),
					"event", ev.ID,
					"error", err)
			}
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, cb Callback, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb.Notify(ctx, ev)
}
