// Package kafka consumes activity events from the platform event bus.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"gami-sentinel/internal/schema"
)

// Config holds consumer settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		Topic:         "activity-events",
		ConsumerGroup: "gami-sentinel",
		MinBytes:      1,
		MaxBytes:      10 * 1024 * 1024,
		MaxWait:       500 * time.Millisecond,
		HandleTimeout: 30 * time.Second,
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("kafka: consumer group is required")
	}
	return nil
}

// EventHandler processes a decoded activity event. A nil return commits
// the offset; an error leaves it uncommitted for redelivery.
type EventHandler func(ctx context.Context, event *schema.Event) error

// Consumer reads activity events from Kafka and hands them to the
// engine. Undecodable messages are committed and counted, never retried.
type Consumer struct {
	reader  *kafka.Reader
	config  Config
	handler EventHandler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	consumed  atomic.Int64
	malformed atomic.Int64
	failures  atomic.Int64
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg Config, handler EventHandler) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		reader:  reader,
		config:  cfg,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	slog.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)
	return c, nil
}

// Start begins consuming in a goroutine.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("consumer loop exited", "error", err)
		}
	}()
	return nil
}

func (c *Consumer) consumeLoop() error {
	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.failures.Add(1)
			slog.Error("fetch message failed", "error", err, "topic", c.config.Topic)
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var event schema.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.malformed.Add(1)
			slog.Warn("dropping malformed event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			c.commit(msg)
			continue
		}

		handleCtx, cancel := context.WithTimeout(c.ctx, c.config.HandleTimeout)
		err = c.handler(handleCtx, &event)
		cancel()
		if err != nil {
			c.failures.Add(1)
			slog.Error("event handler failed",
				"error", err,
				"event_id", event.EventID,
				"offset", msg.Offset,
			)
			// Offset stays uncommitted so the event is redelivered.
			continue
		}

		c.commit(msg)
		c.consumed.Add(1)
	}
}

func (c *Consumer) commit(msg kafka.Message) {
	if err := c.reader.CommitMessages(c.ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("commit offset failed", "error", err, "offset", msg.Offset)
	}
}

// Stop cancels the loop and closes the reader.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.reader.Close()
}

// Metrics holds consumer counters.
type Metrics struct {
	Consumed  int64 `json:"consumed"`
	Malformed int64 `json:"malformed"`
	Failures  int64 `json:"failures"`
}

// GetMetrics returns current counters.
func (c *Consumer) GetMetrics() Metrics {
	return Metrics{
		Consumed:  c.consumed.Load(),
		Malformed: c.malformed.Load(),
		Failures:  c.failures.Load(),
	}
}
