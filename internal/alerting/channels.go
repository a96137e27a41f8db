package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"gami-sentinel/internal/schema"
)

// NotificationChannel delivers a fraud alert to an external system.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *schema.FraudAlert) error
}

// BreakerChannel publishes alerts on a Redis pub/sub channel consumed by
// the platform's circuit breaker. Each alert produces two messages: a
// compact signal line for legacy consumers and the full JSON payload.
type BreakerChannel struct {
	client  *redis.Client
	channel string
}

// NewBreakerChannel creates a channel publishing to the named Redis
// pub/sub channel.
func NewBreakerChannel(client *redis.Client, channel string) *BreakerChannel {
	return &BreakerChannel{client: client, channel: channel}
}

func (b *BreakerChannel) Name() string {
	return "circuit_breaker"
}

func (b *BreakerChannel) Send(ctx context.Context, alert *schema.FraudAlert) error {
	signal := fmt.Sprintf("FRAUD_DETECTED:%s:%s", alert.UserID, alert.Reason)
	if err := b.client.Publish(ctx, b.channel, signal).Err(); err != nil {
		return fmt.Errorf("publish breaker signal: %w", err)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert payload: %w", err)
	}
	return nil
}

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *schema.FraudAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
