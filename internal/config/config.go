// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the bricksd daemon configuration (HCL) and the
// filter rules preload file (YAML).
package config

import (
	"strings"
	"time"
)

// Config is the daemon configuration.
type Config struct {
	// RulesFile is an optional YAML file of filters installed at startup.
	RulesFile string `hcl:"rules_file,optional" json:"rules_file,omitempty"`

	Logging       *LoggingConfig      `hcl:"logging,block" json:"logging,omitempty"`
	Control       *ControlConfig      `hcl:"control,block" json:"control,omitempty"`
	Table         *TableConfig        `hcl:"table,block" json:"table,omitempty"`
	Datapath      *DatapathConfig     `hcl:"datapath,block" json:"datapath,omitempty"`
	Capture       *CaptureConfig      `hcl:"capture,block" json:"capture,omitempty"`
	Monitor       *MonitorConfig      `hcl:"monitor,block" json:"monitor,omitempty"`
	Notifications *NotificationConfig `hcl:"notifications,block" json:"notifications,omitempty"`
	API           *APIConfig          `hcl:"api,block" json:"api,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool          `hcl:"json,optional" json:"json,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig configures remote syslog output.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// ControlConfig configures the binary control-plane listener.
type ControlConfig struct {
	Listen      string `hcl:"listen,optional" json:"listen,omitempty"`
	ReadTimeout string `hcl:"read_timeout,optional" json:"read_timeout,omitempty"`
	IdleTimeout string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	MaxConns    int    `hcl:"max_conns,optional" json:"max_conns,omitempty"`
	MaxPayload  int    `hcl:"max_payload,optional" json:"max_payload,omitempty"`
}

// TableConfig configures the filter table.
type TableConfig struct {
	Capacity      int    `hcl:"capacity,optional" json:"capacity,omitempty"`
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	// DefaultPolicy applies to packets that match no filter: "allow" or "deny".
	DefaultPolicy string `hcl:"default_policy,optional" json:"default_policy,omitempty"`
}

// DatapathConfig configures the packet source and workers.
type DatapathConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// Queue is the first NFQUEUE number; Workers queues are bound from it.
	Queue        uint16 `hcl:"queue,optional" json:"queue,omitempty"`
	Workers      int    `hcl:"workers,optional" json:"workers,omitempty"`
	QueueLen     uint32 `hcl:"queue_len,optional" json:"queue_len,omitempty"`
	MaxPacketLen uint32 `hcl:"max_packet_len,optional" json:"max_packet_len,omitempty"`
	// OnActionError decides the fate of a packet whose action failed:
	// "forward" or "drop".
	OnActionError string `hcl:"on_action_error,optional" json:"on_action_error,omitempty"`

	Steer []SteerConfig `hcl:"steer,block" json:"steer,omitempty"`
}

// SteerConfig installs an nftables rule queueing an interface's traffic to
// the datapath.
type SteerConfig struct {
	Interface string `hcl:"interface,label" json:"interface"`
	// Hook is "prerouting" (default), "input", "forward" or "output".
	Hook string `hcl:"hook,optional" json:"hook,omitempty"`
	// Bypass accepts packets when no worker is bound to the queue.
	Bypass bool `hcl:"bypass,optional" json:"bypass,omitempty"`
}

// CaptureConfig configures the WRITE target's pcap log.
type CaptureConfig struct {
	Path    string `hcl:"path" json:"path"`
	Snaplen uint32 `hcl:"snaplen,optional" json:"snaplen,omitempty"`
}

// MonitorConfig configures the SHARE/COPY monitoring sink.
type MonitorConfig struct {
	// Address of the monitor daemon, host:port over UDP.
	Address string `hcl:"address" json:"address"`
	Buffer  int    `hcl:"buffer,optional" json:"buffer,omitempty"`
}

// NotificationConfig configures the notification scheduler and channels.
type NotificationConfig struct {
	Workers   int                   `hcl:"workers,optional" json:"workers,omitempty"`
	QueueSize int                   `hcl:"queue_size,optional" json:"queue_size,omitempty"`
	Log       bool                  `hcl:"log,optional" json:"log"`
	Channels  []NotificationChannel `hcl:"channel,block" json:"channels,omitempty"`
}

// NotificationChannel is an outbound notification target.
type NotificationChannel struct {
	Name    string `hcl:"name,label" json:"name"`
	Type    string `hcl:"type" json:"type"`           // webhook, slack, discord
	Level   string `hcl:"level,optional" json:"level"` // critical, warning, info
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`

	WebhookURL string            `hcl:"webhook_url,optional" json:"webhook_url,omitempty"`
	Headers    map[string]string `hcl:"headers,optional" json:"headers,omitempty"`
	Token      SecureString      `hcl:"token,optional" json:"token,omitempty"`
	Timeout    string            `hcl:"timeout,optional" json:"timeout,omitempty"`
	// Dedup suppresses repeats of the same title within this window.
	Dedup string `hcl:"dedup,optional" json:"dedup,omitempty"`
}

// APIConfig configures the HTTP admin API, event stream and /metrics.
type APIConfig struct {
	Enabled bool         `hcl:"enabled,optional" json:"enabled"`
	Listen  string       `hcl:"listen,optional" json:"listen,omitempty"`
	Token   SecureString `hcl:"token,optional" json:"token,omitempty"`
	// MetricsInterval is how often per-filter rates are sampled.
	MetricsInterval string `hcl:"metrics_interval,optional" json:"metrics_interval,omitempty"`
}

// Defaults.
const (
	DefaultControlListen = ":1111"
	DefaultAPIListen     = "127.0.0.1:8080"
	DefaultMaxPayload    = 4096
	DefaultCapacity      = 65536
)

// DefaultConfig returns a configuration with every section populated.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in missing sections and zero fields.
func (c *Config) ApplyDefaults() {
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Control == nil {
		c.Control = &ControlConfig{}
	}
	if c.Control.Listen == "" {
		c.Control.Listen = DefaultControlListen
	}
	if c.Control.ReadTimeout == "" {
		c.Control.ReadTimeout = "30s"
	}
	if c.Control.IdleTimeout == "" {
		c.Control.IdleTimeout = "5m"
	}
	if c.Control.MaxConns == 0 {
		c.Control.MaxConns = 64
	}
	if c.Control.MaxPayload == 0 {
		c.Control.MaxPayload = DefaultMaxPayload
	}

	if c.Table == nil {
		c.Table = &TableConfig{}
	}
	if c.Table.Capacity == 0 {
		c.Table.Capacity = DefaultCapacity
	}
	if c.Table.SweepInterval == "" {
		c.Table.SweepInterval = "1s"
	}
	if c.Table.DefaultPolicy == "" {
		c.Table.DefaultPolicy = "allow"
	}

	if c.Datapath == nil {
		c.Datapath = &DatapathConfig{}
	}
	if c.Datapath.Workers == 0 {
		c.Datapath.Workers = 1
	}
	if c.Datapath.QueueLen == 0 {
		c.Datapath.QueueLen = 1024
	}
	if c.Datapath.MaxPacketLen == 0 {
		c.Datapath.MaxPacketLen = 0xFFFF
	}
	if c.Datapath.OnActionError == "" {
		c.Datapath.OnActionError = "forward"
	}
	for i := range c.Datapath.Steer {
		if c.Datapath.Steer[i].Hook == "" {
			c.Datapath.Steer[i].Hook = "prerouting"
		}
	}

	if c.Capture != nil && c.Capture.Snaplen == 0 {
		c.Capture.Snaplen = 65535
	}
	if c.Monitor != nil && c.Monitor.Buffer == 0 {
		c.Monitor.Buffer = 1024
	}

	if c.Notifications == nil {
		c.Notifications = &NotificationConfig{Log: true}
	}
	if c.Notifications.Workers == 0 {
		c.Notifications.Workers = 4
	}
	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = 256
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if c.API.MetricsInterval == "" {
		c.API.MetricsInterval = "5s"
	}
}

// Duration parses a duration field, returning def when s is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// hidden replaces secret values in masked output.
const hidden = "(hidden)"

// SecureString holds a token. It prints and marshals to JSON masked; the
// raw value is only reachable by conversion to string.
type SecureString string

func (s SecureString) String() string {
	if s == "" {
		return ""
	}
	return hidden
}

func (s SecureString) GoString() string { return hidden }

// MarshalJSON masks the value in status output and JSON dumps.
func (s SecureString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + hidden + `"`), nil
}

// UnmarshalText accepts the raw value from HCL and JSON config.
func (s *SecureString) UnmarshalText(text []byte) error {
	*s = SecureString(text)
	return nil
}

// Redacted returns a copy of c with every secret masked, for printing.
// Authorization headers of notification channels count as secrets.
func (c *Config) Redacted() *Config {
	out := *c
	if c.API != nil {
		api := *c.API
		if api.Token != "" {
			api.Token = hidden
		}
		out.API = &api
	}
	if c.Notifications != nil {
		n := *c.Notifications
		n.Channels = make([]NotificationChannel, len(c.Notifications.Channels))
		for i, ch := range c.Notifications.Channels {
			if ch.Token != "" {
				ch.Token = hidden
			}
			if len(ch.Headers) > 0 {
				headers := make(map[string]string, len(ch.Headers))
				for k, v := range ch.Headers {
					if strings.EqualFold(k, "Authorization") {
						v = hidden
					}
					headers[k] = v
				}
				ch.Headers = headers
			}
			n.Channels[i] = ch
		}
		out.Notifications = &n
	}
	return &out
}
