// Package notify holds the Hive's outbound collaborators: alert
// notification channels, case management, and evidence collection. The
// playbook engine reaches them through the action executor.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notification is one outbound alert message.
type Notification struct {
	Channel  string `json:"channel"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

// Notifier delivers a notification to one channel.
type Notifier interface {
	Channel() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to its channel's notifier, or to
// every notifier when no channel is named. Delivery failures are
// logged per notifier and never abort the others.
type Dispatcher struct {
	notifiers map[string]Notifier
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(notifiers []Notifier, logger *zap.Logger) *Dispatcher {
	byChannel := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byChannel[n.Channel()] = n
	}
	return &Dispatcher{notifiers: byChannel, logger: logger}
}

// Dispatch sends n. Returns an error only when the named channel has
// no notifier configured.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.Channel != "" {
		notifier, ok := d.notifiers[n.Channel]
		if !ok {
			return fmt.Errorf("no notifier configured for channel %q", n.Channel)
		}
		d.send(ctx, notifier, n)
		return nil
	}
	for _, notifier := range d.notifiers {
		d.send(ctx, notifier, n)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, notifier Notifier, n Notification) {
	if err := notifier.Send(ctx, n); err != nil {
		d.logger.Error("notification delivery failed",
			zap.String("channel", notifier.Channel()),
			zap.String("title", n.Title),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("notification sent",
		zap.String("channel", notifier.Channel()),
		zap.String("title", n.Title),
	)
}

// Channels lists the configured notifier channels.
func (d *Dispatcher) Channels() []string {
	channels := make([]string, 0, len(d.notifiers))
	for channel := range d.notifiers {
		channels = append(channels, channel)
	}
	return channels
}

// WebhookNotifier posts Slack-style webhook payloads.
type WebhookNotifier struct {
	channel    string
	webhookURL string
	client     *http.Client
}

// NewWebhookNotifier creates a webhook notifier for one channel.
// client may be nil.
func NewWebhookNotifier(channel, webhookURL string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{channel: channel, webhookURL: webhookURL, client: client}
}

// Channel returns the notifier's channel name.
func (w *WebhookNotifier) Channel() string {
	return w.channel
}

type webhookPayload struct {
	Text string `json:"text"`
}

// Send posts the notification as a text payload to the webhook.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("*Osiris Alert: %s*", n.Title)
	if n.Severity != "" {
		text += fmt.Sprintf("\n> Severity: %s", n.Severity)
	}
	if n.AgentID != "" {
		text += fmt.Sprintf("\n> Agent: %s", n.AgentID)
	}
	if n.Message != "" {
		text += "\n" + n.Message
	}

	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
