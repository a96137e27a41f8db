package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gami-sentinel/internal/alerting"
	"gami-sentinel/internal/buffer"
	"gami-sentinel/internal/detector"
	"gami-sentinel/internal/engine"
	"gami-sentinel/internal/forest"
	"gami-sentinel/internal/schema"
	"gami-sentinel/internal/status"
)

func testServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	buf := buffer.New(7 * 24 * time.Hour)
	model := forest.New(forest.Config{Trees: 100, SubsampleSize: 256, Contamination: 0.05, Seed: 42})
	det := detector.New(detector.DefaultConfig(), buf, model)

	cfg := engine.DefaultConfig()
	cfg.MonitorInterval = 0
	eng := engine.New(cfg, engine.Options{
		Validator: schema.NewValidator(),
		Buffer:    buf,
		Detector:  det,
		Retrainer: detector.NewRetrainer(det, 10, 24*time.Hour),
		SybilCfg:  detector.DefaultSybilConfig(),
		Statuses:  status.NewRegistry(),
		Publisher: alerting.New(alerting.DefaultConfig(), nil),
	})
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(NewHandler(eng, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, eng
}

func eventBody(userID string, count int, interval time.Duration, xp float64, base time.Time) []byte {
	type wireEvent struct {
		UserID     string         `json:"user_id"`
		Source     string         `json:"source"`
		ActionType string         `json:"action_type"`
		MetaData   map[string]any `json:"meta_data"`
		OccurredAt time.Time      `json:"occurred_at"`
	}

	events := make([]wireEvent, 0, count)
	at := base
	for i := 0; i < count; i++ {
		at = at.Add(interval)
		events = append(events, wireEvent{
			UserID:     userID,
			Source:     "web2",
			ActionType: "quest.complete",
			MetaData:   map[string]any{"xp_earned": xp},
			OccurredAt: at,
		})
	}

	body, _ := json.Marshal(map[string]any{"events": events})
	return body
}

func postJSON(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleEventsAcceptsBatch(t *testing.T) {
	srv, _ := testServer(t)

	body := eventBody("api-u1", 5, time.Minute, 10, time.Now().Add(-time.Hour))
	resp := postJSON(t, srv.URL+"/v1/events", body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out IngestResponse
	decode(t, resp, &out)
	if out.Accepted != 5 || out.Rejected != 0 {
		t.Errorf("response = %+v, want accepted 5 rejected 0", out)
	}
	if out.BufferSize != 5 {
		t.Errorf("buffer_size = %d, want 5", out.BufferSize)
	}
}

func TestHandleEventsPartialRejection(t *testing.T) {
	srv, _ := testServer(t)

	now := time.Now()
	body, _ := json.Marshal(map[string]any{"events": []map[string]any{
		{"user_id": "u1", "source": "web2", "action_type": "quest.complete", "occurred_at": now},
		{"user_id": "", "source": "web2", "action_type": "quest.complete", "occurred_at": now},
	}})
	resp := postJSON(t, srv.URL+"/v1/events", body)

	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	var out IngestResponse
	decode(t, resp, &out)
	if out.Accepted != 1 || out.Rejected != 1 {
		t.Errorf("response = %+v, want accepted 1 rejected 1", out)
	}
}

func TestHandleEventsRejectsBadRequests(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"events": [`, http.StatusBadRequest},
		{"empty batch", `{"events": []}`, http.StatusBadRequest},
		{"all invalid", `{"events": [{"user_id": "", "source": "web2", "action_type": "x", "occurred_at": "2026-01-01T00:00:00Z"}]}`, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/events", []byte(tc.body))
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHandleEvaluateUnknownUser(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/users/ghost/evaluate", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleEvaluateUntrainedReturnsClean(t *testing.T) {
	srv, _ := testServer(t)

	body := eventBody("lazy-u1", 5, time.Minute, 10, time.Now().Add(-time.Hour))
	postJSON(t, srv.URL+"/v1/events", body).Body.Close()

	resp := postJSON(t, srv.URL+"/v1/users/lazy-u1/evaluate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var verdict schema.AnomalyVerdict
	decode(t, resp, &verdict)
	if verdict.IsAnomaly {
		t.Errorf("untrained model flagged user: %+v", verdict)
	}
	if verdict.UserID != "lazy-u1" {
		t.Errorf("user_id = %q, want lazy-u1", verdict.UserID)
	}
}

func TestHandleTrainTooFewUsers(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/train", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHandleTrainSucceeds(t *testing.T) {
	srv, _ := testServer(t)

	base := time.Now().Add(-12 * time.Hour)
	for i := 0; i < 12; i++ {
		body := eventBody(fmt.Sprintf("train-u%02d", i), 8+i, time.Duration(5+i)*time.Minute, 10+float64(i), base)
		resp := postJSON(t, srv.URL+"/v1/events", body)
		resp.Body.Close()
	}

	resp := postJSON(t, srv.URL+"/v1/train", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out TrainResponse
	decode(t, resp, &out)
	if !out.Trained {
		t.Error("trained = false after successful train")
	}
	if out.EventsUsed != 12 {
		t.Errorf("events_used = %d, want 12", out.EventsUsed)
	}
}

func TestHandleSybilScan(t *testing.T) {
	srv, _ := testServer(t)

	base := time.Now().Add(-12 * time.Hour)
	for i := 0; i < 20; i++ {
		body := eventBody(fmt.Sprintf("pop-u%02d", i), 10, 30*time.Minute, 10, base)
		postJSON(t, srv.URL+"/v1/events", body).Body.Close()
	}
	// One user generating XP far beyond the population.
	postJSON(t, srv.URL+"/v1/events", eventBody("farm-bot", 300, time.Minute, 200, base)).Body.Close()

	resp := postJSON(t, srv.URL+"/v1/sybil-scan", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out engine.SybilScanResult
	decode(t, resp, &out)
	if len(out.SuspiciousUsers) != 1 || out.SuspiciousUsers[0] != "farm-bot" {
		t.Errorf("suspicious_users = %v, want [farm-bot]", out.SuspiciousUsers)
	}
	if out.Population != 21 {
		t.Errorf("population = %d, want 21", out.Population)
	}

	statusResp, err := http.Get(srv.URL + "/v1/users/farm-bot/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var st UserStatusResponse
	decode(t, statusResp, &st)
	if st.Status != schema.StatusLocked {
		t.Errorf("farm-bot status = %s, want LOCKED", st.Status)
	}
	if st.RecentAlerts != 1 {
		t.Errorf("recent_alerts = %d, want 1", st.RecentAlerts)
	}
}

func TestHandleSybilScanInvalidLookback(t *testing.T) {
	srv, _ := testServer(t)

	resp := postJSON(t, srv.URL+"/v1/sybil-scan?lookback=yesterday", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleAlertsEmpty(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/alerts?limit=10")
	if err != nil {
		t.Fatalf("GET alerts: %v", err)
	}
	var out struct {
		Alerts []*schema.FraudAlert `json:"alerts"`
		Count  int                  `json:"count"`
	}
	decode(t, resp, &out)
	if out.Count != 0 || len(out.Alerts) != 0 {
		t.Errorf("alerts = %+v, want empty", out)
	}
}

func TestHandleUserStatusUnknown(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/v1/users/nobody/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	var out map[string]any
	decode(t, resp, &out)
	if out["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", out["status"])
	}
	if out["model_trained"] != false {
		t.Errorf("model_trained = %v, want false", out["model_trained"])
	}
}

func TestMetricsFormat(t *testing.T) {
	srv, _ := testServer(t)

	postJSON(t, srv.URL+"/v1/events", eventBody("m-u1", 3, time.Minute, 10, time.Now().Add(-time.Hour))).Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain", ct)
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	text := buf.String()

	for _, metric := range []string{
		"sentinel_events_accepted_total 3",
		"sentinel_events_rejected_total 0",
		"sentinel_model_trained 0",
		`sentinel_users_by_status{status="ACTIVE"} 1`,
	} {
		if !strings.Contains(text, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}

func TestMaxBatchRejected(t *testing.T) {
	eng := func() *engine.Engine {
		buf := buffer.New(time.Hour)
		model := forest.New(forest.DefaultConfig())
		det := detector.New(detector.DefaultConfig(), buf, model)
		cfg := engine.DefaultConfig()
		cfg.MonitorInterval = 0
		return engine.New(cfg, engine.Options{
			Validator: schema.NewValidator(),
			Buffer:    buf,
			Detector:  det,
			Retrainer: detector.NewRetrainer(det, 10, time.Hour),
			SybilCfg:  detector.DefaultSybilConfig(),
			Statuses:  status.NewRegistry(),
			Publisher: alerting.New(alerting.DefaultConfig(), nil),
		})
	}()
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(NewHandler(eng, nil).WithMaxBatch(2).Routes())
	t.Cleanup(srv.Close)

	body := eventBody("big-u1", 3, time.Minute, 10, time.Now().Add(-time.Hour))
	resp := postJSON(t, srv.URL+"/v1/events", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
