// Package main is the entry point for the Gami Sentinel fraud engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"gami-sentinel/internal/alerting"
	"gami-sentinel/internal/api"
	"gami-sentinel/internal/api/auth"
	"gami-sentinel/internal/buffer"
	"gami-sentinel/internal/config"
	"gami-sentinel/internal/detector"
	"gami-sentinel/internal/engine"
	"gami-sentinel/internal/forest"
	"gami-sentinel/internal/kafka"
	"gami-sentinel/internal/middleware"
	"gami-sentinel/internal/ratecache"
	"gami-sentinel/internal/schema"
	"gami-sentinel/internal/status"
	"gami-sentinel/internal/storage"
	"gami-sentinel/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"redis_enabled", cfg.Redis.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core detection pipeline.
	buf := buffer.New(cfg.Buffer.Retention)
	model := forest.New(forest.Config{
		Trees:         cfg.Detector.Trees,
		SubsampleSize: cfg.Detector.SubsampleSize,
		Contamination: cfg.Detector.Contamination,
		Seed:          cfg.Detector.Seed,
	})
	det := detector.New(detector.Config{
		Lookback:         cfg.Detector.Lookback,
		MinActivitySpan:  cfg.Detector.MinActivitySpan,
		MinEvents:        detector.DefaultConfig().MinEvents,
		BurstThreshold:   cfg.Detector.BurstThreshold,
		MaxFrequencyHour: cfg.Detector.MaxFrequencyHour,
		MaxXPRateHour:    cfg.Detector.MaxXPRateHour,
		MinDiversity:     cfg.Detector.MinDiversity,
		MaxBurstScore:    cfg.Detector.MaxBurstScore,
		MinIntervalSecs:  cfg.Detector.MinIntervalSecs,
		LazyUntrained:    true,
	}, buf, model)
	retrainer := detector.NewRetrainer(det, cfg.Detector.MinTrainUsers, cfg.Detector.RetrainLookback)

	// Optional Redis: circuit-breaker bus and hot XP-rate cache.
	var redisClient *redis.Client
	var rates *ratecache.Cache
	var channels []alerting.NotificationChannel
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		rates = ratecache.New(redisClient, cfg.Redis.RateTTL)
		channels = append(channels, alerting.NewBreakerChannel(redisClient, cfg.Alerting.BreakerChannel))
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel("webhook", cfg.Alerting.WebhookURL, nil))
	}

	// Optional ClickHouse: durable events and alerts.
	var chClient *storage.ClickHouseClient
	var writer *storage.BatchWriter
	var alertStore alerting.AlertStore
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		if err := storage.NewMigrator(chClient).Run(ctx); err != nil {
			slog.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		writer = storage.NewBatchWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		alertStore = storage.NewAlertStore(chClient)
		slog.Info("storage initialized", "database", cfg.Storage.ClickHouse.Database)
	}

	publisher := alerting.New(alerting.Config{
		MaxHistory:  cfg.Alerting.HistoryLimit,
		SendTimeout: alerting.DefaultConfig().SendTimeout,
	}, alertStore, channels...)

	// Optional S3 cold archive for events evicted from the buffer.
	var onEvict func([]*schema.Event)
	if cfg.Storage.Archive.Enabled {
		s3cfg := s3.DefaultConfig()
		s3cfg.Region = cfg.Storage.Archive.Region
		s3cfg.Bucket = cfg.Storage.Archive.Bucket
		s3cfg.Endpoint = cfg.Storage.Archive.Endpoint
		s3Client, err := s3.NewClient(ctx, s3cfg)
		if err != nil {
			slog.Error("failed to initialize archive client", "error", err)
			os.Exit(1)
		}
		archiver := s3.NewArchiver(s3Client)
		onEvict = func(evicted []*schema.Event) {
			if _, err := archiver.Archive(ctx, evicted); err != nil {
				slog.Error("archive upload failed", "events", len(evicted), "error", err)
			}
		}
		slog.Info("event archive enabled", "bucket", s3cfg.Bucket)
	}
	buf.StartSweeper(ctx, cfg.Buffer.SweepInterval, onEvict)

	monitorInterval := cfg.Monitor.Interval
	if !cfg.Monitor.Enabled {
		monitorInterval = 0
	}
	eng := engine.New(engine.Config{
		Workers:            cfg.Ingest.Workers,
		QueueSize:          cfg.Ingest.QueueSize,
		MonitorInterval:    monitorInterval,
		AutoTrainMinEvents: cfg.Monitor.AutoTrainMin,
		AutoTrainMinUsers:  cfg.Detector.MinTrainUsers,
		SybilSweep:         cfg.Monitor.SybilSweep,
	}, engine.Options{
		Validator: schema.NewValidatorWithConfig(schema.ValidatorConfig{MaxFuture: cfg.Ingest.MaxFutureSkew}),
		Buffer:    buf,
		Detector:  det,
		Retrainer: retrainer,
		SybilCfg: detector.SybilConfig{
			Lookback: cfg.Sybil.Lookback,
			StdDevs:  cfg.Sybil.StdMultiplier,
			MinSpan:  cfg.Sybil.MinSpan,
		},
		Statuses:  status.NewRegistry(),
		Publisher: publisher,
		Writer:    writer,
		Rates:     rates,
	})

	// Optional Kafka stream feeding the same ingest path as HTTP.
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(kafka.Config{
			Enabled:       true,
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
			MinBytes:      cfg.Kafka.MinBytes,
			MaxBytes:      cfg.Kafka.MaxBytes,
			MaxWait:       cfg.Kafka.MaxWait,
			HandleTimeout: kafka.DefaultConfig().HandleTimeout,
		}, func(ctx context.Context, event *schema.Event) error {
			_, err := eng.Ingest([]*schema.Event{event})
			return err
		})
		if err != nil {
			slog.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			slog.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}
		slog.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.ConsumerGroup)
	}

	// HTTP API with auth, rate limiting and hardening headers.
	handler := api.NewHandler(eng, slog.Default()).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	limiter := middleware.NewRateLimiter(cfg.RateLimit, slog.Default())
	checker := auth.NewKeyChecker(cfg.Auth, slog.Default())

	var root http.Handler = handler.Routes()
	root = checker.Middleware(root)
	root = limiter.Middleware(root)
	root = middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig())(root)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting sentinel server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			slog.Error("kafka consumer stop error", "error", err)
		}
	}

	eng.Stop()
	limiter.Stop()
	cancel()

	if writer != nil {
		if err := writer.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	stats := eng.Stats()
	slog.Info("shutdown complete",
		"events_accepted", stats.Accepted,
		"events_rejected", stats.Rejected,
		"users_locked", stats.Locks,
		"alerts_published", stats.Published,
	)
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
