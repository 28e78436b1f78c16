// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package daemon assembles bricksd from its configuration.
package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grimm.is/bricks/internal/action"
	"grimm.is/bricks/internal/api"
	"grimm.is/bricks/internal/capture"
	"grimm.is/bricks/internal/config"
	"grimm.is/bricks/internal/ctlplane"
	"grimm.is/bricks/internal/datapath"
	"grimm.is/bricks/internal/engine"
	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/filter"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/monitor"
	"grimm.is/bricks/internal/notification"
	"grimm.is/bricks/internal/table"
)

// Daemon owns every running component.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Table     *table.Table
	Scheduler *notification.Scheduler
	Hub       *api.Hub
	Actions   *action.Dispatcher
	Engine    *engine.Engine
	Collector *metrics.Collector
	Control   *ctlplane.Server
	API       *api.Server
	Pool      *datapath.Pool
	Steering  *datapath.Steering

	capture *capture.Writer
	sink    *monitor.UDPSink

	apiAddr net.Addr
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the components described by cfg without starting them.
// cfg must already have defaults applied and be valid.
func New(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}

	d.Metrics = metrics.NewMetrics()
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := d.Metrics.Register(d.Registry); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "register metrics")
	}

	policy, err := engine.ParsePolicy(cfg.Table.DefaultPolicy)
	if err != nil {
		return nil, err
	}
	onError, err := action.ParseErrorPolicy(cfg.Datapath.OnActionError)
	if err != nil {
		return nil, err
	}

	d.Scheduler = notification.NewScheduler(notification.SchedulerConfig{
		Workers:   cfg.Notifications.Workers,
		QueueSize: cfg.Notifications.QueueSize,
		Metrics:   d.Metrics,
		Logger:    logger.WithComponent("notification"),
	})
	if cfg.Notifications.Log {
		d.Scheduler.Register(notification.LogCallback{Logger: logger.WithComponent("notification")})
	}
	if len(cfg.Notifications.Channels) > 0 {
		d.Scheduler.Register(notification.NewDispatcher(cfg.Notifications.Channels, logger.WithComponent("notify-channels")))
	}

	opts := action.Options{
		Notifier: d.Scheduler,
		OnError:  onError,
		Metrics:  d.Metrics,
		Logger:   logger.WithComponent("action"),
	}
	if cfg.Capture != nil {
		w, err := capture.Open(cfg.Capture.Path, cfg.Capture.Snaplen)
		if err != nil {
			return nil, err
		}
		d.capture = w
		opts.Capture = w
	}
	if cfg.Monitor != nil {
		s, err := monitor.Dial(context.Background(), monitor.Options{
			Address: cfg.Monitor.Address,
			Buffer:  cfg.Monitor.Buffer,
			Logger:  logger.WithComponent("monitor"),
		})
		if err != nil {
			d.closeSinks()
			return nil, err
		}
		d.sink = s
		opts.Sink = s
	}
	d.Actions = action.NewDispatcher(opts)

	mods := d.Actions.Modifiers()
	d.Table = table.New(table.Options{
		Capacity:      cfg.Table.Capacity,
		SweepInterval: config.Duration(cfg.Table.SweepInterval, time.Second),
		Validate: func(rec *filter.Record) error {
			if rec.Target == filter.TargetModify && !mods.Has(rec.Params.ModifyField) {
				return errors.Attr(errors.Errorf(errors.KindMalformed, "unknown modify field %q", rec.Params.ModifyField), "known", mods.Names())
			}
			return nil
		},
		OnChange: func(c table.Change) {
			d.Metrics.ObserveTableChange(string(c.Op))
		},
		Logger: logger.WithComponent("table"),
	})

	d.Engine = engine.New(engine.Options{
		Table:         d.Table,
		Dispatcher:    d.Actions,
		DefaultPolicy: policy,
		Metrics:       d.Metrics,
		Logger:        logger.WithComponent("engine"),
	})

	d.Collector = metrics.NewCollector(d.Table, d.Metrics, logger.WithComponent("metrics"),
		config.Duration(cfg.API.MetricsInterval, 5*time.Second))

	d.Control = ctlplane.NewServer(ctlplane.Options{
		Table:       d.Table,
		ReadTimeout: config.Duration(cfg.Control.ReadTimeout, 30*time.Second),
		IdleTimeout: config.Duration(cfg.Control.IdleTimeout, 5*time.Minute),
		MaxConns:    cfg.Control.MaxConns,
		MaxPayload:  cfg.Control.MaxPayload,
		Metrics:     d.Metrics,
		Logger:      logger.WithComponent("ctlplane"),
	})

	if cfg.API.Enabled {
		d.Hub = api.NewHub(logger.WithComponent("events"))
		d.Scheduler.Register(d.Hub)
		d.API = api.NewServer(api.Options{
			Table:     d.Table,
			Collector: d.Collector,
			Events:    d.Hub,
			Gatherer:  d.Registry,
			Status:    d.status,
			Token:     string(cfg.API.Token),
			Logger:    logger.WithComponent("api"),
		})
	}

	return d, nil
}

// Preload installs the filters of a rules file. Every rule is attempted;
// the first failure is returned alongside the installed count.
func (d *Daemon) Preload(specs []config.RuleSpec) (int, error) {
	var firstErr error
	n := 0
	for _, spec := range specs {
		rec, err := spec.Record()
		if err == nil {
			_, err = d.Table.Insert(rec)
		}
		if err != nil {
			d.logger.Warn("rule not installed", "rule", spec.Describe(), "error", err)
			if firstErr == nil {
				firstErr = errors.Attr(err, "rule", spec.Describe())
			}
			continue
		}
		n++
	}
	d.logger.Info("rules preloaded", "installed", n, "total", len(specs))
	return n, firstErr
}

// Start launches the background loops and listeners.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.Scheduler.Start(ctx)
	d.goRun(func() { d.Table.Run(ctx) })
	d.goRun(func() { d.Collector.Run(ctx) })

	if err := d.Control.Start(d.cfg.Control.Listen); err != nil {
		return err
	}

	if d.API != nil {
		addr, err := d.API.Start(d.cfg.API.Listen)
		if err != nil {
			return err
		}
		d.apiAddr = addr
	}

	if d.cfg.Datapath.Enabled {
		if err := d.startDatapath(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) startDatapath(ctx context.Context) error {
	dp := d.cfg.Datapath
	var sources []datapath.Source
	for i := 0; i < dp.Workers; i++ {
		src, err := datapath.OpenNFQueue(datapath.NFQueueOptions{
			Queue:        dp.Queue + uint16(i),
			MaxQueueLen:  dp.QueueLen,
			MaxPacketLen: dp.MaxPacketLen,
			FailOpen:     d.Engine.Policy() == engine.PolicyAllow,
			Logger:       d.logger.WithComponent("nfqueue"),
		})
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return err
		}
		sources = append(sources, src)
	}

	d.Pool = datapath.NewPool(datapath.Options{
		Sources:   sources,
		Processor: d.Engine,
		Metrics:   d.Metrics,
		Logger:    d.logger.WithComponent("datapath"),
	})
	d.goRun(func() {
		if err := d.Pool.Run(ctx); err != nil {
			d.logger.Error("datapath stopped", "error", err)
		}
	})

	if len(dp.Steer) > 0 {
		rules := make([]datapath.Steer, 0, len(dp.Steer))
		for _, s := range dp.Steer {
			rules = append(rules, datapath.Steer{Interface: s.Interface, Hook: s.Hook, Bypass: s.Bypass})
		}
		d.Steering = datapath.NewSteering(dp.Queue, uint16(dp.Workers), rules, d.logger.WithComponent("steer"))
		if err := d.Steering.Install(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// ControlAddr returns the control-plane listen address.
func (d *Daemon) ControlAddr() net.Addr {
	return d.Control.Addr()
}

// APIAddr returns the admin API listen address, or nil when disabled.
func (d *Daemon) APIAddr() net.Addr {
	return d.apiAddr
}

func (d *Daemon) status() map[string]any {
	st := map[string]any{
		"default_policy":        d.Engine.Policy().String(),
		"notifications_dropped": d.Scheduler.Dropped(),
	}
	if d.Pool != nil {
		st["datapath"] = d.Pool.Stats()
	}
	if d.capture != nil {
		st["captured"] = d.capture.Count()
	}
	if d.sink != nil {
		sent, dropped, failed := d.sink.Stats()
		st["monitor"] = map[string]uint64{"sent": sent, "dropped": dropped, "failed": failed}
	}
	return st
}

// Close stops everything in reverse start order.
func (d *Daemon) Close() error {
	if d.Steering != nil {
		if err := d.Steering.Remove(); err != nil {
			d.logger.Warn("failed to remove steering rules", "error", err)
		}
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
	d.Control.Close()
	if d.API != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.API.Shutdown(ctx)
		cancel()
	}
	// Queued notifications are delivered before the loops are cancelled.
	d.Scheduler.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.closeSinks()
	return nil
}

func (d *Daemon) closeSinks() {
	if d.sink != nil {
		d.sink.Close()
	}
	if d.capture != nil {
		d.capture.Close()
	}
}
