// Package engine wires the buffer, detector, status registry and alert
// publisher into the fraud detection pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gami-sentinel/internal/alerting"
	"gami-sentinel/internal/buffer"
	"gami-sentinel/internal/detector"
	"gami-sentinel/internal/features"
	"gami-sentinel/internal/ratecache"
	"gami-sentinel/internal/schema"
	"gami-sentinel/internal/status"
	"gami-sentinel/internal/storage"
)

// ErrQueueFull is returned when the ingest queue cannot accept a batch.
var ErrQueueFull = errors.New("engine: ingest queue full")

// ErrClosed is returned after Stop.
var ErrClosed = errors.New("engine: closed")

// Config holds orchestration parameters.
type Config struct {
	// Workers is the size of the ingest worker pool.
	Workers int

	// QueueSize bounds the ingest queue in batches.
	QueueSize int

	// MonitorInterval is the cadence of the background monitoring loop.
	// Zero disables the loop.
	MonitorInterval time.Duration

	// AutoTrainMinEvents and AutoTrainMinUsers gate automatic training.
	AutoTrainMinEvents int
	AutoTrainMinUsers  int

	// SybilSweep enables the periodic population scan.
	SybilSweep bool
}

// DefaultConfig returns the default orchestration parameters.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		QueueSize:          10000,
		MonitorInterval:    10 * time.Second,
		AutoTrainMinEvents: 50,
		AutoTrainMinUsers:  10,
		SybilSweep:         true,
	}
}

// Engine is the orchestration facade. All public methods are safe for
// concurrent use.
type Engine struct {
	config    Config
	validator *schema.Validator
	buffer    *buffer.Buffer
	detector  *detector.Detector
	retrainer *detector.Retrainer
	sybilCfg  detector.SybilConfig
	statuses  *status.Registry
	publisher *alerting.Publisher

	// Optional write-through mirrors; nil when disabled.
	writer *storage.BatchWriter
	rates  *ratecache.Cache

	queue  chan []*schema.Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed atomic.Bool

	started time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
	locks    atomic.Uint64
}

// Options carries the engine's collaborators. Writer and Rates are
// optional.
type Options struct {
	Validator *schema.Validator
	Buffer    *buffer.Buffer
	Detector  *detector.Detector
	Retrainer *detector.Retrainer
	SybilCfg  detector.SybilConfig
	Statuses  *status.Registry
	Publisher *alerting.Publisher
	Writer    *storage.BatchWriter
	Rates     *ratecache.Cache
}

// New creates an Engine and starts its worker pool and monitoring loop.
func New(cfg Config, opts Options) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:    cfg,
		validator: opts.Validator,
		buffer:    opts.Buffer,
		detector:  opts.Detector,
		retrainer: opts.Retrainer,
		sybilCfg:  opts.SybilCfg,
		statuses:  opts.Statuses,
		publisher: opts.Publisher,
		writer:    opts.Writer,
		rates:     opts.Rates,
		queue:     make(chan []*schema.Event, cfg.QueueSize),
		cancel:    cancel,
		started:   time.Now(),
	}

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	if cfg.MonitorInterval > 0 {
		e.wg.Add(1)
		go e.monitorLoop(ctx)
	}

	return e
}

// IngestResult summarizes one ingest batch.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	BufferSize int `json:"buffer_size"`
}

// Ingest validates a batch and buffers the valid events. Invalid events
// are counted and skipped; the rest of the batch proceeds. The buffered
// slice is handed to the worker pool for write-through persistence.
func (e *Engine) Ingest(events []*schema.Event) (IngestResult, error) {
	if e.closed.Load() {
		return IngestResult{}, ErrClosed
	}

	valid := make([]*schema.Event, 0, len(events))
	var res IngestResult
	for _, event := range events {
		if event == nil {
			res.Rejected++
			continue
		}
		if err := e.validator.Validate(event); err != nil {
			res.Rejected++
			slog.Debug("event rejected", "user_id", event.UserID, "error", err)
			continue
		}
		valid = append(valid, event)
	}

	res.Accepted = e.buffer.Ingest(valid)
	for _, event := range valid {
		e.statuses.Observe(event.UserID)
	}

	e.accepted.Add(uint64(res.Accepted))
	e.rejected.Add(uint64(res.Rejected))

	if len(valid) > 0 {
		select {
		case e.queue <- valid:
		default:
			// Queue saturation only delays persistence mirroring; the
			// events are already buffered for detection.
			slog.Warn("ingest queue full, skipping write-through", "batch", len(valid))
		}
	}

	res.BufferSize = e.buffer.Len()
	return res, nil
}

// worker mirrors buffered events into durable storage and the rate cache.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-e.queue:
			e.mirror(ctx, batch)
		}
	}
}

func (e *Engine) mirror(ctx context.Context, batch []*schema.Event) {
	if e.writer != nil {
		for _, event := range batch {
			if err := e.writer.Write(event); err != nil {
				slog.Error("event persistence failed", "event_id", event.EventID, "error", err)
			}
		}
	}

	if e.rates != nil {
		users := make(map[string]struct{}, len(batch))
		for _, event := range batch {
			users[event.UserID] = struct{}{}
		}
		rates := make(map[string]float64, len(users))
		for userID := range users {
			events := e.buffer.EventsFor(userID, e.sybilCfg.Lookback)
			rates[userID] = features.XPRateOf(events, e.sybilCfg.MinSpan)
		}
		if err := e.rates.SetBatch(ctx, rates); err != nil {
			slog.Error("rate cache update failed", "error", err)
		}
	}
}

// Evaluate runs on-demand detection for one user and applies the lock
// policy to an anomalous verdict.
func (e *Engine) Evaluate(ctx context.Context, userID string) (*schema.AnomalyVerdict, error) {
	verdict, err := e.detector.Evaluate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if verdict.IsAnomaly {
		e.HandleFraud(ctx, verdict)
	}
	return verdict, nil
}

// HandleFraud locks the user and publishes exactly one alert per lock
// transition. A user already LOCKED is never re-alerted.
func (e *Engine) HandleFraud(ctx context.Context, verdict *schema.AnomalyVerdict) {
	e.statuses.Observe(verdict.UserID)
	if !e.statuses.Lock(verdict.UserID) {
		slog.Debug("user already locked, alert suppressed", "user_id", verdict.UserID)
		return
	}

	e.locks.Add(1)
	alert := schema.NewFraudAlert(verdict.UserID, verdict.AnomalyScore, verdict.Reason, schema.ActionLocked)
	e.publisher.Publish(ctx, alert)
}

// Train triggers a full model retrain over the buffered population.
func (e *Engine) Train(ctx context.Context) (int, error) {
	return e.retrainer.Train(ctx)
}

// SybilScanResult summarizes one population scan.
type SybilScanResult struct {
	SuspiciousUsers []string `json:"suspicious_users"`
	Population      int      `json:"population"`
}

// SybilScan runs cluster detection over the configured lookback and
// locks every suspect.
func (e *Engine) SybilScan(ctx context.Context) (SybilScanResult, error) {
	return e.SybilScanWindow(ctx, 0)
}

// SybilScanWindow runs cluster detection over a caller-supplied lookback.
// A non-positive lookback falls back to the configured window.
func (e *Engine) SybilScanWindow(ctx context.Context, lookback time.Duration) (SybilScanResult, error) {
	cfg := e.sybilCfg
	if lookback > 0 {
		cfg.Lookback = lookback
	}

	suspects, err := e.detector.SybilScan(ctx, cfg)
	if err != nil {
		return SybilScanResult{}, err
	}

	for _, userID := range suspects {
		e.HandleFraud(ctx, &schema.AnomalyVerdict{
			UserID:    userID,
			IsAnomaly: true,
			Reason:    "Sybil cluster - excessive XP generation",
		})
	}

	return SybilScanResult{
		SuspiciousUsers: suspects,
		Population:      len(e.buffer.Users()),
	}, nil
}

// monitorLoop periodically auto-trains the model and sweeps for Sybil
// clusters once the buffer carries enough signal.
func (e *Engine) monitorLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorPass(ctx)
		}
	}
}

func (e *Engine) monitorPass(ctx context.Context) {
	events := e.buffer.Len()
	users := len(e.buffer.Users())

	if !e.retrainer.Trained() &&
		events >= e.config.AutoTrainMinEvents &&
		users >= e.config.AutoTrainMinUsers {
		if _, err := e.retrainer.Train(ctx); err != nil {
			slog.Warn("auto-train failed", "error", err)
		}
	}

	if e.config.SybilSweep {
		if _, err := e.SybilScan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("sybil sweep failed", "error", err)
		}
	}
}

// UserStatus returns a user's security record.
func (e *Engine) UserStatus(userID string) (schema.UserSecurityStatus, error) {
	record, err := e.statuses.Get(userID)
	if err != nil {
		return schema.UserSecurityStatus{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return record, nil
}

// Alerts returns recent alerts, newest first.
func (e *Engine) Alerts(limit int) []*schema.FraudAlert {
	return e.publisher.History(limit)
}

// AlertsFor returns a user's alerts, newest first.
func (e *Engine) AlertsFor(userID string) []*schema.FraudAlert {
	return e.publisher.HistoryFor(userID)
}

// Health summarizes the engine for the health endpoint.
type Health struct {
	ModelTrained bool          `json:"model_trained"`
	BufferSize   int           `json:"buffer_size"`
	TrackedUsers int           `json:"tracked_users"`
	Uptime       time.Duration `json:"uptime"`
}

// HealthCheck reports current engine health.
func (e *Engine) HealthCheck() Health {
	return Health{
		ModelTrained: e.retrainer.Trained(),
		BufferSize:   e.buffer.Len(),
		TrackedUsers: len(e.buffer.Users()),
		Uptime:       time.Since(e.started),
	}
}

// Stats holds engine counters for the metrics endpoint.
type Stats struct {
	Accepted  uint64
	Rejected  uint64
	Locks     uint64
	Published uint64
	Failed    uint64
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	published, failed := e.publisher.Stats()
	return Stats{
		Accepted:  e.accepted.Load(),
		Rejected:  e.rejected.Load(),
		Locks:     e.locks.Load(),
		Published: published,
		Failed:    failed,
	}
}

// StatusCounts returns the user count per security status.
func (e *Engine) StatusCounts() map[schema.SecurityStatus]int {
	return e.statuses.Count()
}

// Trained reports whether the model is usable.
func (e *Engine) Trained() bool {
	return e.retrainer.Trained()
}

// Stop drains the workers and stops the monitoring loop.
func (e *Engine) Stop() {
	if e.closed.Swap(true) {
		return
	}
	e.cancel()
	e.wg.Wait()
}
