// Package detector orchestrates feature extraction and model scoring for
// individual users, and runs the population-level Sybil cluster pass.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gami-sentinel/internal/buffer"
	"gami-sentinel/internal/features"
	"gami-sentinel/internal/forest"
	"gami-sentinel/internal/schema"
)

// ErrInsufficientData is returned when a user has too little activity to
// extract meaningful features. It is reported, never retried.
var ErrInsufficientData = errors.New("detector: insufficient activity data")

// Config holds evaluation parameters.
type Config struct {
	// Lookback is the evaluation window.
	Lookback time.Duration

	// MinActivitySpan floors rate divisors and sets the minimum activity
	// for Sybil candidacy.
	MinActivitySpan time.Duration

	// MinEvents is the least number of events needed to evaluate a user.
	MinEvents int

	// BurstThreshold is the inter-arrival gap counting toward the burst
	// score.
	BurstThreshold time.Duration

	// Rule thresholds for reason generation. These annotate verdicts and
	// never override the model's boolean.
	MaxFrequencyHour float64
	MaxXPRateHour    float64
	MinDiversity     float64
	MaxBurstScore    float64
	MinIntervalSecs  float64

	// LazyUntrained makes an untrained model report every user as
	// non-anomalous instead of returning an error.
	LazyUntrained bool
}

// DefaultConfig returns the default evaluation parameters.
func DefaultConfig() Config {
	return Config{
		Lookback:         24 * time.Hour,
		MinActivitySpan:  30 * time.Minute,
		MinEvents:        2,
		BurstThreshold:   60 * time.Second,
		MaxFrequencyHour: 100,
		MaxXPRateHour:    10000,
		MinDiversity:     0.1,
		MaxBurstScore:    0.5,
		MinIntervalSecs:  5,
		LazyUntrained:    true,
	}
}

// Detector evaluates users against the trained model and rule thresholds.
type Detector struct {
	config Config
	buffer *buffer.Buffer
	model  *forest.Model
}

// New creates a Detector reading from the given buffer and scoring with
// the given model.
func New(cfg Config, buf *buffer.Buffer, model *forest.Model) *Detector {
	if cfg.MinEvents < 2 {
		cfg.MinEvents = 2
	}
	return &Detector{
		config: cfg,
		buffer: buf,
		model:  model,
	}
}

// Model returns the underlying forest model.
func (d *Detector) Model() *forest.Model { return d.model }

// Evaluate computes an anomaly verdict for one user over the configured
// lookback. Returns ErrInsufficientData when the user has fewer than
// MinEvents events in the window.
func (d *Detector) Evaluate(ctx context.Context, userID string) (*schema.AnomalyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := d.buffer.EventsFor(userID, d.config.Lookback)
	if len(events) < d.config.MinEvents {
		return nil, fmt.Errorf("%w: user %s has %d events in %v",
			ErrInsufficientData, userID, len(events), d.config.Lookback)
	}

	vec := features.Extract(events, features.Config{
		MinActivitySpan: d.config.MinActivitySpan,
		BurstThreshold:  d.config.BurstThreshold,
	})

	score, anomalous, err := d.model.Classify(vec)
	if errors.Is(err, forest.ErrNotTrained) {
		if !d.config.LazyUntrained {
			return nil, err
		}
		// Documented policy: an untrained model treats every user as
		// non-anomalous rather than failing the request.
		slog.Debug("model untrained, lazy default verdict", "user_id", userID)
		score, anomalous = 0, false
	} else if err != nil {
		return nil, err
	}

	verdict := &schema.AnomalyVerdict{
		UserID:         userID,
		IsAnomaly:      anomalous,
		AnomalyScore:   score,
		Reason:         d.explain(vec, anomalous),
		EventsAnalyzed: len(events),
	}

	slog.Debug("user evaluated",
		"user_id", userID,
		"score", score,
		"is_anomaly", anomalous,
		"events", len(events),
	)

	return verdict, nil
}

// ExtractVector extracts the behavior vector for a user without scoring.
// Used by the retrainer to build the population sample.
func (d *Detector) ExtractVector(events []*schema.Event) features.Vector {
	return features.Extract(events, features.Config{
		MinActivitySpan: d.config.MinActivitySpan,
		BurstThreshold:  d.config.BurstThreshold,
	})
}
