// Package alerting records fraud alerts and fans them out to external
// notification channels.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gami-sentinel/internal/schema"
)

// AlertStore persists alerts durably. Implementations must tolerate
// duplicate writes.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *schema.FraudAlert) error
}

// Config holds publisher parameters.
type Config struct {
	// MaxHistory bounds the in-memory alert history. Oldest entries are
	// dropped first. Zero means unbounded.
	MaxHistory int

	// SendTimeout is the per-channel delivery timeout.
	SendTimeout time.Duration
}

// DefaultConfig returns the default publisher parameters.
func DefaultConfig() Config {
	return Config{
		MaxHistory:  10000,
		SendTimeout: 10 * time.Second,
	}
}

// Publisher appends alerts to history first, then notifies channels.
// History append never fails; channel delivery is at-least-once and a
// failed channel never blocks the alert from being recorded.
type Publisher struct {
	config   Config
	channels []NotificationChannel
	store    AlertStore

	mu      sync.RWMutex
	history []*schema.FraudAlert

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Publisher. store may be nil when durable persistence is
// disabled; channels may be empty.
func New(cfg Config, store AlertStore, channels ...NotificationChannel) *Publisher {
	return &Publisher{
		config:   cfg,
		channels: channels,
		store:    store,
	}
}

// Publish records the alert and delivers it to every channel. The alert
// is in history before any channel is attempted, so a crashed or failing
// channel cannot lose it.
func (p *Publisher) Publish(ctx context.Context, alert *schema.FraudAlert) {
	p.mu.Lock()
	p.history = append(p.history, alert)
	if p.config.MaxHistory > 0 && len(p.history) > p.config.MaxHistory {
		overflow := len(p.history) - p.config.MaxHistory
		p.history = append(p.history[:0], p.history[overflow:]...)
	}
	p.mu.Unlock()

	p.published.Add(1)

	slog.Warn("fraud alert published",
		"alert_id", alert.AlertID,
		"user_id", alert.UserID,
		"score", alert.AnomalyScore,
		"action", alert.ActionTaken,
		"reason", alert.Reason,
	)

	if p.store != nil {
		if err := p.store.InsertAlert(ctx, alert); err != nil {
			p.failed.Add(1)
			slog.Error("alert persistence failed", "alert_id", alert.AlertID, "error", err)
		}
	}

	for _, ch := range p.channels {
		sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
		err := ch.Send(sendCtx, alert)
		cancel()
		if err != nil {
			p.failed.Add(1)
			slog.Error("alert delivery failed",
				"alert_id", alert.AlertID,
				"channel", ch.Name(),
				"error", err,
			)
		}
	}
}

// History returns the most recent alerts, newest first, capped at limit.
// limit <= 0 returns everything retained.
func (p *Publisher) History(limit int) []*schema.FraudAlert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*schema.FraudAlert, n)
	for i := 0; i < n; i++ {
		out[i] = p.history[len(p.history)-1-i]
	}
	return out
}

// HistoryFor returns the retained alerts for one user, newest first.
func (p *Publisher) HistoryFor(userID string) []*schema.FraudAlert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*schema.FraudAlert
	for i := len(p.history) - 1; i >= 0; i-- {
		if p.history[i].UserID == userID {
			out = append(out, p.history[i])
		}
	}
	return out
}

// Stats reports publish counters.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Len returns the number of retained alerts.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.history)
}
