// Package buffer provides the rolling in-memory store of recent activity
// events, partitioned per user with time-window eviction.
package buffer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gami-sentinel/internal/schema"
)

// Buffer is an append-only rolling store of events. Writers append under
// the write lock; readers receive copies, so a reader never observes a
// torn event or a half-appended batch.
type Buffer struct {
	retention time.Duration

	mu     sync.RWMutex
	events map[string][]*schema.Event // per user, arrival order

	// Metrics (accessed atomically)
	totalIngested uint64
	totalEvicted  uint64
}

// New creates a Buffer with the given retention window. Events older than
// the retention are dropped on sweep or lazily on access.
func New(retention time.Duration) *Buffer {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Buffer{
		retention: retention,
		events:    make(map[string][]*schema.Event),
	}
}

// Ingest appends a batch of events and returns the number accepted.
// Events are assumed validated; ingestion preserves per-user arrival order.
func (b *Buffer) Ingest(events []*schema.Event) int {
	if len(events) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := 0
	for _, ev := range events {
		if ev == nil || ev.UserID == "" {
			continue
		}
		b.events[ev.UserID] = append(b.events[ev.UserID], ev)
		accepted++
	}
	atomic.AddUint64(&b.totalIngested, uint64(accepted))
	return accepted
}

// EventsFor returns the user's events within the lookback window, oldest
// first by occurrence time. The returned slice is a copy.
func (b *Buffer) EventsFor(userID string, window time.Duration) []*schema.Event {
	cutoff := time.Now().Add(-window)

	b.mu.RLock()
	stored := b.events[userID]
	out := make([]*schema.Event, 0, len(stored))
	for _, ev := range stored {
		if ev.OccurredAt.After(cutoff) {
			out = append(out, ev)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out
}

// AllEvents returns every user's events within the window, keyed by user.
// Users with no events inside the window are omitted.
func (b *Buffer) AllEvents(window time.Duration) map[string][]*schema.Event {
	cutoff := time.Now().Add(-window)

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]*schema.Event, len(b.events))
	for userID, stored := range b.events {
		var kept []*schema.Event
		for _, ev := range stored {
			if ev.OccurredAt.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) > 0 {
			out[userID] = kept
		}
	}
	return out
}

// Users returns the IDs of all users currently holding events.
func (b *Buffer) Users() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	users := make([]string, 0, len(b.events))
	for userID := range b.events {
		users = append(users, userID)
	}
	return users
}

// Len returns the total number of buffered events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, stored := range b.events {
		total += len(stored)
	}
	return total
}

// Sweep drops events older than the retention window and returns the
// evicted events so callers can archive them.
func (b *Buffer) Sweep() []*schema.Event {
	cutoff := time.Now().Add(-b.retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []*schema.Event
	for userID, stored := range b.events {
		kept := stored[:0]
		for _, ev := range stored {
			if ev.OccurredAt.After(cutoff) {
				kept = append(kept, ev)
			} else {
				evicted = append(evicted, ev)
			}
		}
		if len(kept) == 0 {
			delete(b.events, userID)
		} else {
			b.events[userID] = kept
		}
	}

	atomic.AddUint64(&b.totalEvicted, uint64(len(evicted)))
	return evicted
}

// StartSweeper runs periodic eviction until the context is cancelled.
// Evicted events are handed to onEvict when non-nil.
func (b *Buffer) StartSweeper(ctx context.Context, interval time.Duration, onEvict func([]*schema.Event)) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := b.Sweep()
				if len(evicted) > 0 {
					slog.Debug("buffer sweep", "evicted", len(evicted))
					if onEvict != nil {
						onEvict(evicted)
					}
				}
			}
		}
	}()
}

// Metrics returns buffer statistics.
func (b *Buffer) Metrics() Metrics {
	b.mu.RLock()
	users := len(b.events)
	total := 0
	for _, stored := range b.events {
		total += len(stored)
	}
	b.mu.RUnlock()

	return Metrics{
		Ingested: atomic.LoadUint64(&b.totalIngested),
		Evicted:  atomic.LoadUint64(&b.totalEvicted),
		Depth:    total,
		Users:    users,
	}
}

// Metrics holds buffer statistics.
type Metrics struct {
	Ingested uint64 `json:"ingested"`
	Evicted  uint64 `json:"evicted"`
	Depth    int    `json:"depth"`
	Users    int    `json:"users"`
}
