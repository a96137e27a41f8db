// Package features converts a user's windowed events into the fixed
// behavior vector consumed by the anomaly model.
package features

import (
	"time"

	"gami-sentinel/internal/schema"
)

// Dim is the dimensionality of a behavior vector.
const Dim = 7

// Indices into a Vector.
const (
	EventFrequency = iota
	XPRate
	ActionDiversity
	Web3Ratio
	TimeVariance
	AvgInterval
	BurstScore
)

// Names maps vector indices to metric names, in vector order.
var Names = [Dim]string{
	"event_frequency",
	"xp_rate",
	"action_diversity",
	"web3_ratio",
	"time_variance",
	"avg_interval",
	"burst_score",
}

// Vector is a user behavior vector. It is ephemeral: recomputed on every
// evaluation, never persisted on its own.
type Vector [Dim]float64

// IsZero reports whether every component is zero.
func (v Vector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Config holds extraction parameters.
type Config struct {
	// MinActivitySpan floors the elapsed-hours divisor so a short burst of
	// activity does not produce unbounded rates.
	MinActivitySpan time.Duration

	// BurstThreshold is the inter-arrival gap under which a pair of events
	// counts toward the burst score.
	BurstThreshold time.Duration
}

// DefaultConfig returns the default extraction parameters.
func DefaultConfig() Config {
	return Config{
		MinActivitySpan: 30 * time.Minute,
		BurstThreshold:  60 * time.Second,
	}
}

// Extract computes the behavior vector for an ordered event sequence
// (oldest first). It is a pure function: identical inputs always produce
// identical vectors.
//
// Rate features divide by the activity span between first and last event,
// floored at MinActivitySpan so a short burst cannot divide by near-zero.
func Extract(events []*schema.Event, cfg Config) Vector {
	var v Vector
	n := len(events)
	if n == 0 {
		return v
	}

	hours := ActivitySpan(events).Hours()
	if min := cfg.MinActivitySpan.Hours(); hours < min {
		hours = min
	}

	var totalXP float64
	actions := make(map[string]struct{}, n)
	web3 := 0
	for _, ev := range events {
		totalXP += ev.XPEarned()
		actions[ev.ActionType] = struct{}{}
		if ev.Source == schema.SourceWeb3 {
			web3++
		}
	}

	v[EventFrequency] = float64(n) / hours
	v[XPRate] = totalXP / hours
	v[ActionDiversity] = float64(len(actions)) / float64(n)
	v[Web3Ratio] = float64(web3) / float64(n)

	if n < 2 {
		// Gap features are 0 by definition for fewer than 2 events.
		return v
	}

	// Inter-event gaps in hours.
	gaps := make([]float64, 0, n-1)
	burstPairs := 0
	for i := 1; i < n; i++ {
		gap := events[i].OccurredAt.Sub(events[i-1].OccurredAt)
		gaps = append(gaps, gap.Hours())
		if gap < cfg.BurstThreshold {
			burstPairs++
		}
	}

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))

	v[TimeVariance] = variance
	v[AvgInterval] = mean
	v[BurstScore] = float64(burstPairs) / float64(len(gaps))

	return v
}

// ActivitySpan returns the elapsed time between the first and last event
// of an ordered sequence, or 0 for fewer than 2 events.
func ActivitySpan(events []*schema.Event) time.Duration {
	if len(events) < 2 {
		return 0
	}
	return events[len(events)-1].OccurredAt.Sub(events[0].OccurredAt)
}

// XPRateOf computes the XP generation rate for an ordered sequence using
// the activity span floored at minSpan. Used by the Sybil detector and the
// hot rate cache; shares formulas with Extract.
func XPRateOf(events []*schema.Event, minSpan time.Duration) float64 {
	if len(events) == 0 {
		return 0
	}

	var totalXP float64
	for _, ev := range events {
		totalXP += ev.XPEarned()
	}

	hours := ActivitySpan(events).Hours()
	if min := minSpan.Hours(); hours < min {
		hours = min
	}
	return totalXP / hours
}
