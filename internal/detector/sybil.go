package detector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"gami-sentinel/internal/features"
)

// SybilConfig holds population scan parameters.
type SybilConfig struct {
	// Lookback is the scan window.
	Lookback time.Duration

	// StdDevs is the number of standard deviations above the population
	// mean that marks an XP rate as suspicious.
	StdDevs float64

	// MinSpan excludes users whose activity span is too short to compute
	// a stable XP rate.
	MinSpan time.Duration
}

// DefaultSybilConfig returns the default scan parameters.
func DefaultSybilConfig() SybilConfig {
	return SybilConfig{
		Lookback: 24 * time.Hour,
		StdDevs:  3.0,
		MinSpan:  30 * time.Minute,
	}
}

// SybilScan finds coordinated farming clusters: users whose XP accrual
// rate sits more than StdDevs standard deviations above the population
// mean. Fewer than two eligible users, or a degenerate distribution with
// zero variance, yields an empty result.
func (d *Detector) SybilScan(ctx context.Context, cfg SybilConfig) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byUser := d.buffer.AllEvents(cfg.Lookback)

	rates := make(map[string]float64, len(byUser))
	for userID, events := range byUser {
		if features.ActivitySpan(events) < cfg.MinSpan {
			continue
		}
		rates[userID] = features.XPRateOf(events, cfg.MinSpan)
	}

	if len(rates) < 2 {
		return nil, nil
	}

	var mean float64
	for _, r := range rates {
		mean += r
	}
	mean /= float64(len(rates))

	var variance float64
	for _, r := range rates {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(rates))
	stddev := math.Sqrt(variance)

	if stddev == 0 {
		return nil, nil
	}

	cutoff := mean + cfg.StdDevs*stddev
	var suspects []string
	for userID, r := range rates {
		if r > cutoff {
			suspects = append(suspects, userID)
		}
	}
	sort.Strings(suspects)

	if len(suspects) > 0 {
		slog.Info("sybil scan flagged users",
			"suspects", len(suspects),
			"population", len(rates),
			"mean_xp_rate", mean,
			"cutoff", cutoff,
		)
	}

	return suspects, nil
}
