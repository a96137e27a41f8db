package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gami-sentinel/internal/schema"
)

// Archiver writes batches of evicted events as gzipped JSON lines,
// partitioned by eviction date.
type Archiver struct {
	client *Client
}

// NewArchiver creates an Archiver over the given client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client}
}

// Archive uploads one batch. The key embeds the date and a fresh UUID so
// concurrent sweeps never collide. Empty batches are a no-op.
func (a *Archiver) Archive(ctx context.Context, events []*schema.Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			gz.Close()
			return "", fmt.Errorf("encode event %s: %w", event.EventID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip writer: %w", err)
	}

	key := fmt.Sprintf("%s/%s.jsonl.gz",
		time.Now().UTC().Format("2006/01/02"), uuid.NewString())

	if err := a.client.Put(ctx, key, "application/gzip", &buf); err != nil {
		return "", err
	}
	return key, nil
}

// Restore reads an archived batch back.
func (a *Archiver) Restore(ctx context.Context, key string) ([]*schema.Event, error) {
	body, err := a.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()

	var events []*schema.Event
	dec := json.NewDecoder(gz)
	for dec.More() {
		var event schema.Event
		if err := dec.Decode(&event); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}
