// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grimm.is/bricks/internal/config"
	"grimm.is/bricks/internal/logging"
)

// DefaultDedupWindow suppresses repeated titles on one channel.
const DefaultDedupWindow = 60 * time.Second

// Dispatcher is a Callback fanning events out to the configured outbound
// channels (webhook, slack, discord).
type Dispatcher struct {
	logger *logging.Logger
	mu     sync.RWMutex

	channels []config.NotificationChannel

	// Rate limiting state
	lastSent map[string]time.Time
	now      func() time.Time

	// HTTP client with timeout
	httpClient *http.Client
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(channels []config.NotificationChannel, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	return &Dispatcher{
		channels: channels,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name implements Callback.
func (d *Dispatcher) Name() string { return "channels" }

// UpdateChannels replaces the channel list.
func (d *Dispatcher) UpdateChannels(channels []config.NotificationChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = channels
}

// Notify implements Callback by sending ev to every enabled channel whose
// level admits it. Channels are tried in turn; the first error is returned
// after all have been attempted.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) error {
	d.mu.RLock()
	channels := d.channels
	d.mu.RUnlock()

	var firstErr error
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}

		// check level filtering
		if !shouldSend(ev.Level, ch.Level) {
			continue
		}

		if d.isRateLimited(ch, ev.Title()) {
			d.logger.Debug("notification rate limited", "channel", ch.Name, "title", ev.Title())
			continue
		}

		if err := d.sendToChannel(ctx, ch, ev); err != nil {
			d.logger.Error("failed to send notification",
				"channel", ch.Name,
				"type", ch.Type,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("channel %s: %w", ch.Name, err)
			}
		}
	}
	return firstErr
}

// isRateLimited checks if a notification should be skipped due to rate limiting
func (d *Dispatcher) isRateLimited(ch config.NotificationChannel, title string) bool {
	window := config.Duration(ch.Dedup, DefaultDedupWindow)

	d.mu.Lock()
	defer d.mu.Unlock()

	key := ch.Name + ":" + title
	last, ok := d.lastSent[key]
	now := d.now()

	if ok && now.Sub(last) < window {
		return true
	}

	d.lastSent[key] = now

	if len(d.lastSent) > 1000 {
		for k, t := range d.lastSent {
			if now.Sub(t) >= window {
				delete(d.lastSent, k)
			}
		}
	}

	return false
}

// shouldSend checks if a message level meets the channel's minimum level
func shouldSend(msgLevel, chanLevel string) bool {
	// If channel has no level, accept all
	if chanLevel == "" {
		return true
	}

	levels := map[string]int{
		LevelInfo:     1,
		LevelWarning:  2,
		LevelCritical: 3,
	}

	m := levels[strings.ToLower(msgLevel)]
	c := levels[strings.ToLower(chanLevel)]

	return m >= c
}

func (d *Dispatcher) sendToChannel(ctx context.Context, ch config.NotificationChannel, ev Event) error {
	switch strings.ToLower(ch.Type) {
	case "webhook", "slack", "discord":
		return d.sendWebhook(ctx, ch, ev)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, ch config.NotificationChannel, ev Event) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("missing webhook_url")
	}

	var payload any
	switch strings.ToLower(ch.Type) {
	case "slack":
		payload = map[string]any{
			"text": fmt.Sprintf("*%s*\n%s\n_Level: %s_", ev.Title(), ev.Message(), ev.Level),
		}
	case "discord":
		payload = map[string]any{
			"content": fmt.Sprintf("**%s**\n%s", ev.Title(), ev.Message()),
		}
	default:
		payload = ev
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if ch.Timeout != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration(ch.Timeout, 10*time.Second))
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ch.Token != "" {
		req.Header.Set("Authorization", "Bearer "+string(ch.Token))
	}
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}

	return nil
}

// LogCallback writes every event to the process log.
type LogCallback struct {
	Logger *logging.Logger
}

func (l LogCallback) Name() string { return "log" }

func (l LogCallback) Notify(_ context.Context, ev Event) error {
	logger := l.Logger
	if logger == nil {
		logger = logging.WithComponent("notification")
	}
	logger.Warn(ev.Title(),
		"event", ev.ID,
		"record", ev.RecordID,
		"interface", ev.Interface,
		"kind", string(ev.Kind),
		"count", ev.Count,
		"threshold", ev.Threshold,
		"filter", ev.Filter)
	return nil
}
