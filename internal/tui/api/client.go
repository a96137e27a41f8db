// Package api provides the HTTP client the sentinel-top dashboard uses
// to poll a running sentinel instance.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client talks to the sentinel HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithAPIKey sets the key sent in the X-API-Key header.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// Health is the /health response.
type Health struct {
	Status        string `json:"status"`
	ModelTrained  bool   `json:"model_trained"`
	BufferSize    int    `json:"buffer_size"`
	TrackedUsers  int    `json:"tracked_users"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// Alert is one entry of the /v1/alerts response.
type Alert struct {
	AlertID      string    `json:"alert_id"`
	UserID       string    `json:"user_id"`
	AnomalyScore float64   `json:"anomaly_score"`
	Reason       string    `json:"reason"`
	ActionTaken  string    `json:"action_taken"`
	CreatedAt    time.Time `json:"created_at"`
}

// AlertsResponse is the /v1/alerts response envelope.
type AlertsResponse struct {
	Alerts []Alert `json:"alerts"`
	Count  int     `json:"count"`
}

// Stats aggregates the dashboard view of a sentinel instance.
type Stats struct {
	Connected     bool
	StatusReason  string
	ModelTrained  bool
	BufferSize    int
	TrackedUsers  int
	Uptime        string
	UptimeSeconds int

	EventsAccepted  int64
	EventsRejected  int64
	UsersLocked     int64
	AlertsPublished int64
	UsersByStatus   map[string]int64
}

func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return c.httpClient.Do(req)
}

// GetHealth fetches /health.
func (c *Client) GetHealth() (*Health, error) {
	resp, err := c.get("/health")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// GetAlerts fetches the newest alerts, most recent first.
func (c *Client) GetAlerts(limit int) (*AlertsResponse, error) {
	resp, err := c.get(fmt.Sprintf("/v1/alerts?limit=%d", limit))
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alerts request failed: %s", resp.Status)
	}

	var alerts AlertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&alerts); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &alerts, nil
}

// GetStats combines /health and /metrics into one dashboard snapshot.
// A connection failure yields a disconnected snapshot rather than an
// error so the dashboard can keep rendering.
func (c *Client) GetStats() (*Stats, error) {
	stats := &Stats{
		StatusReason:  "unable to connect to sentinel",
		UsersByStatus: make(map[string]int64),
	}

	health, err := c.GetHealth()
	if err != nil {
		stats.StatusReason = err.Error()
		return stats, nil
	}

	stats.Connected = true
	stats.StatusReason = "connected"
	stats.ModelTrained = health.ModelTrained
	stats.BufferSize = health.BufferSize
	stats.TrackedUsers = health.TrackedUsers
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(health.UptimeSeconds)

	resp, err := c.get("/metrics")
	if err != nil {
		return stats, nil
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}

		switch {
		case parts[0] == "sentinel_events_accepted_total":
			stats.EventsAccepted = int64(value)
		case parts[0] == "sentinel_events_rejected_total":
			stats.EventsRejected = int64(value)
		case parts[0] == "sentinel_users_locked_total":
			stats.UsersLocked = int64(value)
		case parts[0] == "sentinel_alerts_published_total":
			stats.AlertsPublished = int64(value)
		case strings.HasPrefix(parts[0], "sentinel_users_by_status{"):
			if status := labelValue(parts[0], "status"); status != "" {
				stats.UsersByStatus[status] = int64(value)
			}
		}
	}

	return stats, nil
}

// labelValue extracts a label value from a metric name such as
// sentinel_users_by_status{status="ACTIVE"}.
func labelValue(metric, label string) string {
	idx := strings.Index(metric, label+`="`)
	if idx < 0 {
		return ""
	}
	rest := metric[idx+len(label)+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func formatUptime(seconds int) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), seconds%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
