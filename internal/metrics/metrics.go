// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes datapath and control-plane counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all bricks Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Datapath
	Packets        *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
	DefaultPolicy  *prometheus.CounterVec
	ActionErrors   *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	SinkDelivered  *prometheus.CounterVec
	CaptureWritten prometheus.Counter

	// Table
	TableEntries prometheus.Gauge
	TableChanges *prometheus.CounterVec

	// Control plane
	ControlRequests    *prometheus.CounterVec
	ControlConnections prometheus.Gauge

	// Notifications
	NotificationsQueued  prometheus.Counter
	NotificationsDropped prometheus.Counter
	NotificationsSent    *prometheus.CounterVec
}

// NewMetrics creates the metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_packets_total",
			Help: "Packets handled by the datapath by matched target and disposition",
		}, []string{"target", "disposition"}),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_bytes_total",
			Help: "Bytes handled by the datapath by matched target",
		}, []string{"target"}),

		DefaultPolicy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_default_policy_total",
			Help: "Packets that matched no filter, by applied policy",
		}, []string{"policy"}),

		ActionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_action_errors_total",
			Help: "Secondary action failures (sink, capture, modify) by target",
		}, []string{"target"}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bricks_decode_errors_total",
			Help: "Packets the datapath could not decode",
		}),

		SinkDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_monitor_packets_total",
			Help: "Packets handed to the monitoring sink by mode",
		}, []string{"mode"}),

		CaptureWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bricks_capture_packets_total",
			Help: "Packets appended to the capture log",
		}),

		TableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bricks_table_entries",
			Help: "Number of installed filter records",
		}),

		TableChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_table_changes_total",
			Help: "Filter table mutations by operation",
		}, []string{"op"}),

		ControlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_control_requests_total",
			Help: "Control-plane requests by operation and response status",
		}, []string{"op", "status"}),

		ControlConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bricks_control_connections",
			Help: "Open control-plane connections",
		}),

		NotificationsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bricks_notifications_queued_total",
			Help: "Notification events accepted by the scheduler",
		}),

		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bricks_notifications_dropped_total",
			Help: "Notification events dropped because a worker queue was full",
		}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bricks_notifications_sent_total",
			Help: "Notification deliveries by callback and result",
		}, []string{"callback", "result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Packets, m.Bytes, m.DefaultPolicy, m.ActionErrors, m.DecodeErrors,
		m.SinkDelivered, m.CaptureWritten,
		m.TableEntries, m.TableChanges,
		m.ControlRequests, m.ControlConnections,
		m.NotificationsQueued, m.NotificationsDropped, m.NotificationsSent,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Register registers the metric set with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}

// ObservePacket counts one datapath packet.
func (m *Metrics) ObservePacket(target, disposition string, n int) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(target, disposition).Inc()
	m.Bytes.WithLabelValues(target).Add(float64(n))
}

// ObserveDefault counts a packet handled by the default policy.
func (m *Metrics) ObserveDefault(policy string) {
	if m == nil {
		return
	}
	m.DefaultPolicy.WithLabelValues(policy).Inc()
}

// ObserveActionError counts a failed secondary action.
func (m *Metrics) ObserveActionError(target string) {
	if m == nil {
		return
	}
	m.ActionErrors.WithLabelValues(target).Inc()
}

// ObserveDecodeError counts an undecodable packet.
func (m *Metrics) ObserveDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// ObserveSink counts a packet handed to the monitor sink.
func (m *Metrics) ObserveSink(mode string) {
	if m == nil {
		return
	}
	m.SinkDelivered.WithLabelValues(mode).Inc()
}

// ObserveCapture counts a packet written to the capture log.
func (m *Metrics) ObserveCapture() {
	if m == nil {
		return
	}
	m.CaptureWritten.Inc()
}

// ObserveTableChange counts a table mutation.
func (m *Metrics) ObserveTableChange(op string) {
	if m == nil {
		return
	}
	m.TableChanges.WithLabelValues(op).Inc()
}

// SetTableEntries sets the table size gauge.
func (m *Metrics) SetTableEntries(n int) {
	if m == nil {
		return
	}
	m.TableEntries.Set(float64(n))
}

// ObserveControlRequest counts a control-plane request.
func (m *Metrics) ObserveControlRequest(op, status string) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(op, status).Inc()
}

// ConnOpened and ConnClosed track open control connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ControlConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ControlConnections.Dec()
}

// ObserveNotification counts scheduler enqueue outcomes.
func (m *Metrics) ObserveNotification(queued bool) {
	if m == nil {
		return
	}
	if queued {
		m.NotificationsQueued.Inc()
	} else {
		m.NotificationsDropped.Inc()
	}
}

// ObserveDelivery counts one callback delivery.
func (m *Metrics) ObserveDelivery(callback string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotificationsSent.WithLabelValues(callback, result).Inc()
}
