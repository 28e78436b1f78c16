// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig configures remote syslog forwarding.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // udp or tcp
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns a disabled config with conventional defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "bricks",
		Facility: 1,
	}
}

// SyslogWriter frames every Write as one RFC 3164 message.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter dials the configured collector.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "bricks"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to dial syslog %s: %w", addr, err)
	}

	host, _ := os.Hostname()
	return &SyslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: host,
	}, nil
}

// Write sends p as a single informational syslog message.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pri := w.facility*8 + 6
	ts := time.Now().Format(time.Stamp)
	msg := fmt.Sprintf("<%d>%s %s %s: %s", pri, ts, w.hostname, w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection to the collector.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
