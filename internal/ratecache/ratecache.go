// Package ratecache keeps hot per-user XP rates in Redis so other
// platform services can read them without querying the engine.
package ratecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when no cached rate exists for a user.
var ErrMiss = errors.New("ratecache: miss")

const keyPrefix = "sentinel:xp_rate:"

// Cache stores per-user XP rates with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Cache. Entries expire after ttl.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Set writes the XP rate for a user.
func (c *Cache) Set(ctx context.Context, userID string, rate float64) error {
	key := keyPrefix + userID
	if err := c.client.Set(ctx, key, rate, c.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetBatch writes many rates in one pipeline round trip.
func (c *Cache) SetBatch(ctx context.Context, rates map[string]float64) error {
	if len(rates) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for userID, rate := range rates {
		pipe.Set(ctx, keyPrefix+userID, rate, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// Get reads the cached XP rate for a user. Returns ErrMiss when absent
// or expired.
func (c *Cache) Get(ctx context.Context, userID string) (float64, error) {
	val, err := c.client.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", userID, err)
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cached rate for %s: %w", userID, err)
	}
	return rate, nil
}

// Delete removes a user's cached rate.
func (c *Cache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, keyPrefix+userID).Err()
}
