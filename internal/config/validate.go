// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"grimm.is/bricks/internal/filter"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any errors (warnings excluded).
func (e ValidationErrors) HasErrors() bool {
	for _, v := range e {
		if v.Severity != "warning" {
			return true
		}
	}
	return false
}

// Validate validates the entire configuration. Call ApplyDefaults first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateControl()...)
	errs = append(errs, c.validateTable()...)
	errs = append(errs, c.validateDatapath()...)
	errs = append(errs, c.validateSinks()...)
	errs = append(errs, c.validateNotifications()...)
	errs = append(errs, c.validateAPI()...)

	return errs
}

func checkDuration(field, s string) ValidationErrors {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", s)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	return nil
}

func checkHostPort(field, s string) ValidationErrors {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid address %q: %v", s, err)}}
	}
	return nil
}

func (c *Config) validateControl() ValidationErrors {
	if c.Control == nil {
		return nil
	}
	var errs ValidationErrors
	errs = append(errs, checkHostPort("control.listen", c.Control.Listen)...)
	errs = append(errs, checkDuration("control.read_timeout", c.Control.ReadTimeout)...)
	errs = append(errs, checkDuration("control.idle_timeout", c.Control.IdleTimeout)...)
	if c.Control.MaxConns < 0 {
		errs = append(errs, ValidationError{Field: "control.max_conns", Message: "must not be negative"})
	}
	if c.Control.MaxPayload < 0 || c.Control.MaxPayload > 1<<20 {
		errs = append(errs, ValidationError{Field: "control.max_payload", Message: "must be between 0 and 1MiB"})
	}
	return errs
}

func (c *Config) validateTable() ValidationErrors {
	if c.Table == nil {
		return nil
	}
	var errs ValidationErrors
	if c.Table.Capacity < 0 {
		errs = append(errs, ValidationError{Field: "table.capacity", Message: "must not be negative"})
	}
	errs = append(errs, checkDuration("table.sweep_interval", c.Table.SweepInterval)...)
	switch strings.ToLower(c.Table.DefaultPolicy) {
	case "", "allow", "deny":
	default:
		errs = append(errs, ValidationError{
			Field:   "table.default_policy",
			Message: fmt.Sprintf("must be allow or deny, got %q", c.Table.DefaultPolicy),
		})
	}
	return errs
}

func (c *Config) validateDatapath() ValidationErrors {
	if c.Datapath == nil {
		return nil
	}
	var errs ValidationErrors
	if c.Datapath.Workers < 0 || c.Datapath.Workers > 64 {
		errs = append(errs, ValidationError{Field: "datapath.workers", Message: "must be between 1 and 64"})
	}
	if int(c.Datapath.Queue)+c.Datapath.Workers > 0xFFFF {
		errs = append(errs, ValidationError{Field: "datapath.queue", Message: "queue range exceeds 65535"})
	}
	switch strings.ToLower(c.Datapath.OnActionError) {
	case "", "forward", "drop":
	default:
		errs = append(errs, ValidationError{
			Field:   "datapath.on_action_error",
			Message: fmt.Sprintf("must be forward or drop, got %q", c.Datapath.OnActionError),
		})
	}

	seen := make(map[string]bool)
	for i, s := range c.Datapath.Steer {
		field := fmt.Sprintf("datapath.steer[%d]", i)
		if s.Interface == "" || len(s.Interface) > filter.MaxInterfaceLen {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid interface name %q", s.Interface)})
			continue
		}
		field = fmt.Sprintf("datapath.steer[%s]", s.Interface)
		if seen[s.Interface] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate steer block"})
		}
		seen[s.Interface] = true
		switch s.Hook {
		case "", "prerouting", "input", "forward", "output":
		default:
			errs = append(errs, ValidationError{Field: field + ".hook", Message: fmt.Sprintf("unknown hook %q", s.Hook)})
		}
	}
	if len(c.Datapath.Steer) > 0 && !c.Datapath.Enabled {
		errs = append(errs, ValidationError{
			Field:    "datapath.steer",
			Message:  "steer rules without an enabled datapath will black-hole traffic unless bypass is set",
			Severity: "warning",
		})
	}
	return errs
}

func (c *Config) validateSinks() ValidationErrors {
	var errs ValidationErrors
	if c.Capture != nil && c.Capture.Path == "" {
		errs = append(errs, ValidationError{Field: "capture.path", Message: "required"})
	}
	if c.Monitor != nil {
		errs = append(errs, checkHostPort("monitor.address", c.Monitor.Address)...)
	}
	return errs
}

func (c *Config) validateNotifications() ValidationErrors {
	if c.Notifications == nil {
		return nil
	}
	var errs ValidationErrors
	if c.Notifications.Workers < 0 {
		errs = append(errs, ValidationError{Field: "notifications.workers", Message: "must not be negative"})
	}
	if c.Notifications.QueueSize < 0 {
		errs = append(errs, ValidationError{Field: "notifications.queue_size", Message: "must not be negative"})
	}

	names := make(map[string]bool)
	for _, ch := range c.Notifications.Channels {
		field := fmt.Sprintf("notifications.channel[%s]", ch.Name)
		if names[ch.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate channel name"})
		}
		names[ch.Name] = true

		switch strings.ToLower(ch.Type) {
		case "webhook", "slack", "discord":
			if ch.WebhookURL == "" {
				errs = append(errs, ValidationError{Field: field + ".webhook_url", Message: "required"})
			} else if u, err := url.Parse(ch.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, ValidationError{Field: field + ".webhook_url", Message: fmt.Sprintf("invalid URL %q", ch.WebhookURL)})
			}
		default:
			errs = append(errs, ValidationError{Field: field + ".type", Message: fmt.Sprintf("unknown channel type %q", ch.Type)})
		}

		switch strings.ToLower(ch.Level) {
		case "", "info", "warning", "critical":
		default:
			errs = append(errs, ValidationError{Field: field + ".level", Message: fmt.Sprintf("unknown level %q", ch.Level)})
		}
		errs = append(errs, checkDuration(field+".timeout", ch.Timeout)...)
		errs = append(errs, checkDuration(field+".dedup", ch.Dedup)...)
	}
	return errs
}

func (c *Config) validateAPI() ValidationErrors {
	if c.API == nil || !c.API.Enabled {
		return nil
	}
	var errs ValidationErrors
	errs = append(errs, checkHostPort("api.listen", c.API.Listen)...)
	errs = append(errs, checkDuration("api.metrics_interval", c.API.MetricsInterval)...)
	return errs
}
