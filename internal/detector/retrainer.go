package detector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gami-sentinel/internal/features"
)

// ErrTooFewUsers is returned when the buffer holds too few active users
// to build a representative training sample.
var ErrTooFewUsers = errors.New("detector: too few users for training")

// Retrainer serializes model training. Concurrent Train calls collapse:
// a new request cancels the one in flight and the latest request wins.
type Retrainer struct {
	detector *Detector
	minUsers int
	lookback time.Duration

	mu           sync.Mutex
	gen          uint64
	cancelActive context.CancelFunc
}

// NewRetrainer creates a Retrainer over the given detector. minUsers is
// the minimum population size for a training run.
func NewRetrainer(d *Detector, minUsers int, lookback time.Duration) *Retrainer {
	if minUsers < 2 {
		minUsers = 2
	}
	return &Retrainer{
		detector: d,
		minUsers: minUsers,
		lookback: lookback,
	}
}

// begin registers a new training run, cancelling any run in flight. The
// returned generation identifies the run so its cleanup only touches its
// own registration.
func (r *Retrainer) begin(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelActive != nil {
		r.cancelActive()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.gen++
	r.cancelActive = cancel
	return ctx, cancel, r.gen
}

// finish releases a run's registration. A superseded run finds a newer
// generation in the slot and must leave the successor's cancel in place.
func (r *Retrainer) finish(cancel context.CancelFunc, gen uint64) {
	cancel()

	r.mu.Lock()
	if r.gen == gen {
		r.cancelActive = nil
	}
	r.mu.Unlock()
}

// Train builds a vector per active user and retrains the model. If a
// training run is already in flight its context is cancelled first; the
// model pointer only swaps on a completed run, so readers always score
// against a fully built ensemble.
func (r *Retrainer) Train(ctx context.Context) (int, error) {
	ctx, cancel, gen := r.begin(ctx)
	defer r.finish(cancel, gen)

	byUser := r.detector.buffer.AllEvents(r.lookback)
	if len(byUser) < r.minUsers {
		return 0, ErrTooFewUsers
	}

	// Fixed user order keeps the subsample draw, and therefore the
	// trained model, identical across runs over the same buffer.
	ids := make([]string, 0, len(byUser))
	for id := range byUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sample := make([]features.Vector, 0, len(byUser))
	for _, id := range ids {
		events := byUser[id]
		if len(events) < r.detector.config.MinEvents {
			continue
		}
		sample = append(sample, r.detector.ExtractVector(events))
	}
	if len(sample) < r.minUsers {
		return 0, ErrTooFewUsers
	}

	start := time.Now()
	if err := r.detector.model.Train(ctx, sample); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("training run superseded", "samples", len(sample))
		}
		return 0, err
	}

	threshold, _ := r.detector.model.Threshold()
	slog.Info("model retrained",
		"samples", len(sample),
		"threshold", threshold,
		"duration", time.Since(start),
	)
	return len(sample), nil
}

// Trained reports whether the underlying model has a usable ensemble.
func (r *Retrainer) Trained() bool {
	return r.detector.model.Trained()
}
