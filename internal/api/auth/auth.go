// Package auth verifies API keys for the sentinel HTTP API.
package auth

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"gami-sentinel/internal/config"
)

// KeyChecker validates presented API keys against a set of bcrypt hashes.
// Keys never appear in config or logs in the clear.
type KeyChecker struct {
	cfg    config.AuthConfig
	logger *slog.Logger

	accepted uint64
	rejected uint64
}

// NewKeyChecker builds a checker from the auth configuration.
func NewKeyChecker(cfg config.AuthConfig, logger *slog.Logger) *KeyChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyChecker{cfg: cfg, logger: logger}
}

// HashKey produces a bcrypt hash suitable for the api_key_hashes list.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Check reports whether the presented key matches any configured hash.
func (c *KeyChecker) Check(key string) bool {
	if key == "" {
		return false
	}
	for _, hash := range c.cfg.APIKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// Metrics returns the accepted and rejected request counters.
func (c *KeyChecker) Metrics() (accepted, rejected uint64) {
	return atomic.LoadUint64(&c.accepted), atomic.LoadUint64(&c.rejected)
}

// Middleware enforces API key auth on every request. Disabled auth is a
// pass-through so development setups work without keys.
func (c *KeyChecker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := c.cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}

		if !c.Check(r.Header.Get(header)) {
			atomic.AddUint64(&c.rejected, 1)
			c.logger.Warn("api key rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid or missing API key"}`))
			return
		}

		atomic.AddUint64(&c.accepted, 1)
		next.ServeHTTP(w, r)
	})
}
