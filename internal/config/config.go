// Package config handles configuration loading for Gami Sentinel.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Detector  DetectorConfig  `yaml:"detector"`
	Sybil     SybilConfig     `yaml:"sybil"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxPayloadSize int           `yaml:"max_payload_size"`
	MaxFutureSkew  time.Duration `yaml:"max_future_skew"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

// BufferConfig holds event buffer settings.
type BufferConfig struct {
	// Retention is the maximum supported lookback; events older than this
	// are evicted. Matches the retraining window.
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DetectorConfig holds anomaly detection settings.
type DetectorConfig struct {
	Trees             int           `yaml:"trees"`
	SubsampleSize     int           `yaml:"subsample_size"`
	Contamination     float64       `yaml:"contamination"`
	Seed              int64         `yaml:"seed"`
	Lookback          time.Duration `yaml:"lookback"`
	MinActivitySpan   time.Duration `yaml:"min_activity_span"`
	BurstThreshold    time.Duration `yaml:"burst_threshold"`
	MinTrainUsers     int           `yaml:"min_train_users"`
	RetrainInterval   time.Duration `yaml:"retrain_interval"`
	RetrainLookback   time.Duration `yaml:"retrain_lookback"`
	MaxFrequencyHour  float64       `yaml:"max_frequency_hour"`
	MaxXPRateHour     float64       `yaml:"max_xp_rate_hour"`
	MinDiversity      float64       `yaml:"min_diversity"`
	MaxBurstScore     float64       `yaml:"max_burst_score"`
	MinIntervalSecs   float64       `yaml:"min_interval_secs"`
}

// SybilConfig holds Sybil cluster detection settings.
type SybilConfig struct {
	Lookback      time.Duration `yaml:"lookback"`
	StdMultiplier float64       `yaml:"std_multiplier"`
	MinSpan       time.Duration `yaml:"min_span"`
}

// MonitorConfig holds the background monitoring loop settings.
type MonitorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	AutoTrainMin  int           `yaml:"auto_train_min"` // events needed before auto-train
	SybilSweep    bool          `yaml:"sybil_sweep"`
}

// AlertingConfig holds alert publication settings.
type AlertingConfig struct {
	HistoryLimit   int    `yaml:"history_limit"`
	WebhookURL     string `yaml:"webhook_url"`
	BreakerChannel string `yaml:"breaker_channel"`
}

// RedisConfig holds Redis connection settings for the circuit-breaker bus
// and the hot rate cache.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateTTL      time.Duration `yaml:"rate_ttl"`
}

// StorageConfig holds durable storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 cold-archive settings for evicted events.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Endpoint     string `yaml:"endpoint"`
	PathTemplate string `yaml:"path_template"`
}

// KafkaConfig holds the event stream consumer settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
	StartOffset   int64         `yaml:"start_offset"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// AuthConfig holds API authentication settings. Keys are stored as bcrypt
// hashes; plain keys may be supplied via environment for development.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8003,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			MaxFutureSkew:  5 * time.Minute,
			Workers:        4,
			QueueSize:      10000,
		},
		Buffer: BufferConfig{
			Retention:     7 * 24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Detector: DetectorConfig{
			Trees:            100,
			SubsampleSize:    256,
			Contamination:    0.05,
			Seed:             42,
			Lookback:         24 * time.Hour,
			MinActivitySpan:  30 * time.Minute,
			BurstThreshold:   60 * time.Second,
			MinTrainUsers:    10,
			RetrainInterval:  24 * time.Hour,
			RetrainLookback:  7 * 24 * time.Hour,
			MaxFrequencyHour: 100,
			MaxXPRateHour:    10000,
			MinDiversity:     0.1,
			MaxBurstScore:    0.5,
			MinIntervalSecs:  5,
		},
		Sybil: SybilConfig{
			Lookback:      24 * time.Hour,
			StdMultiplier: 3.0,
			MinSpan:       30 * time.Minute,
		},
		Monitor: MonitorConfig{
			Enabled:      true,
			Interval:     10 * time.Second,
			AutoTrainMin: 50,
			SybilSweep:   true,
		},
		Alerting: AlertingConfig{
			HistoryLimit:   10000,
			BreakerChannel: "circuit_breaker",
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			RateTTL:      24 * time.Hour,
		},
		Storage: StorageConfig{
			Enabled: false,
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "sentinel",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Archive: ArchiveConfig{
				Enabled:      false,
				Region:       "us-east-1",
				PathTemplate: "archives/{type}/{date}/{id}.json.gz",
			},
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			Topic:         "activity-events",
			ConsumerGroup: "sentinel",
			MinBytes:      1,
			MaxBytes:      10 * 1024 * 1024,
			MaxWait:       500 * time.Millisecond,
			StartOffset:   -1, // latest
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Auth: AuthConfig{
			Enabled:      false,
			APIKeyHeader: "X-API-Key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if addr := os.Getenv("SENTINEL_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("SENTINEL_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if enabled := os.Getenv("SENTINEL_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("SENTINEL_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if topic := os.Getenv("SENTINEL_KAFKA_TOPIC"); topic != "" {
		c.Kafka.Topic = topic
	}

	if hash := os.Getenv("SENTINEL_API_KEY_HASH"); hash != "" {
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, hash)
		c.Auth.Enabled = true
	}

	if enabled := os.Getenv("SENTINEL_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest workers must be positive")
	}

	if c.Buffer.Retention <= 0 {
		return fmt.Errorf("buffer retention must be positive")
	}

	if c.Detector.Trees <= 0 {
		return fmt.Errorf("detector trees must be positive")
	}

	if c.Detector.Contamination <= 0 || c.Detector.Contamination >= 1 {
		return fmt.Errorf("contamination must be in (0,1): %f", c.Detector.Contamination)
	}

	if c.Sybil.StdMultiplier <= 0 {
		return fmt.Errorf("sybil std_multiplier must be positive")
	}

	return nil
}
