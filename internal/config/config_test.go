package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8003 {
		t.Errorf("HTTPPort = %d, want 8003", cfg.Server.HTTPPort)
	}
	if cfg.Ingest.MaxBatchSize != 1000 {
		t.Errorf("MaxBatchSize = %d, want 1000", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Buffer.Retention != 7*24*time.Hour {
		t.Errorf("Retention = %v, want 168h", cfg.Buffer.Retention)
	}
	if cfg.Detector.Trees != 100 || cfg.Detector.SubsampleSize != 256 {
		t.Errorf("detector ensemble = (%d, %d), want (100, 256)",
			cfg.Detector.Trees, cfg.Detector.SubsampleSize)
	}
	if cfg.Detector.Contamination != 0.05 {
		t.Errorf("Contamination = %v, want 0.05", cfg.Detector.Contamination)
	}
	if cfg.Sybil.StdMultiplier != 3.0 {
		t.Errorf("StdMultiplier = %v, want 3.0", cfg.Sybil.StdMultiplier)
	}
	if cfg.Redis.Enabled || cfg.Storage.Enabled || cfg.Kafka.Enabled || cfg.Auth.Enabled {
		t.Error("external integrations enabled by default")
	}
	if !cfg.RateLimit.Enabled {
		t.Error("rate limiting disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  http_port: 9090
detector:
  trees: 50
  contamination: 0.1
logging:
  level: debug
  format: text
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SENTINEL_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Detector.Trees != 50 {
		t.Errorf("Trees = %d, want 50", cfg.Detector.Trees)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = (%q, %q), want (debug, text)", cfg.Logging.Level, cfg.Logging.Format)
	}
	// Unset fields keep defaults.
	if cfg.Ingest.MaxBatchSize != 1000 {
		t.Errorf("MaxBatchSize = %d, want default 1000", cfg.Ingest.MaxBatchSize)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 8003 {
		t.Errorf("HTTPPort = %d, want default 8003", cfg.Server.HTTPPort)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SENTINEL_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error for malformed yaml")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("SENTINEL_HTTP_PORT", "7777")
	t.Setenv("SENTINEL_LOG_LEVEL", "warn")
	t.Setenv("SENTINEL_REDIS_ADDR", "redis:6379")
	t.Setenv("SENTINEL_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SENTINEL_API_KEY_HASH", "$2a$10$fakehash")
	t.Setenv("SENTINEL_RATELIMIT_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPPort != 7777 {
		t.Errorf("HTTPPort = %d, want 7777", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis = (%v, %q), want enabled at redis:6379", cfg.Redis.Enabled, cfg.Redis.Addr)
	}
	if !cfg.Kafka.Enabled {
		t.Error("kafka not enabled by SENTINEL_KAFKA_BROKERS")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Brokers = %v, want [k1:9092 k2:9092]", cfg.Kafka.Brokers)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeyHashes) != 1 {
		t.Errorf("auth = (%v, %d hashes), want enabled with 1 hash",
			cfg.Auth.Enabled, len(cfg.Auth.APIKeyHashes))
	}
	if cfg.RateLimit.Enabled {
		t.Error("rate limiting still enabled after override")
	}
}

func TestEnvOverridesInvalidPortIgnored(t *testing.T) {
	t.Setenv("SENTINEL_HTTP_PORT", "not-a-port")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if cfg.Server.HTTPPort != 8003 {
		t.Errorf("HTTPPort = %d, want default 8003", cfg.Server.HTTPPort)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"port too high", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"zero batch size", func(c *Config) { c.Ingest.MaxBatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"zero retention", func(c *Config) { c.Buffer.Retention = 0 }},
		{"zero trees", func(c *Config) { c.Detector.Trees = 0 }},
		{"contamination zero", func(c *Config) { c.Detector.Contamination = 0 }},
		{"contamination one", func(c *Config) { c.Detector.Contamination = 1 }},
		{"zero std multiplier", func(c *Config) { c.Sybil.StdMultiplier = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,, c ", ",")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}
