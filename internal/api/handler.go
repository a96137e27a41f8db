// Package api exposes the fraud engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gami-sentinel/internal/detector"
	"gami-sentinel/internal/engine"
	"gami-sentinel/internal/schema"
)

// Handler serves the sentinel HTTP API on top of the engine facade.
type Handler struct {
	engine     *engine.Engine
	logger     *slog.Logger
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates an API handler bound to the engine.
func NewHandler(eng *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     eng,
		logger:     logger,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum events per ingest batch.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("POST /v1/users/{id}/evaluate", h.HandleEvaluate)
	mux.HandleFunc("POST /v1/train", h.HandleTrain)
	mux.HandleFunc("POST /v1/sybil-scan", h.HandleSybilScan)
	mux.HandleFunc("GET /v1/alerts", h.HandleAlerts)
	mux.HandleFunc("GET /v1/users/{id}/status", h.HandleUserStatus)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	return mux
}

// IngestRequest is the request body for event ingestion.
type IngestRequest struct {
	Events []EventInput `json:"events"`
}

// EventInput is the wire format for a single activity event.
type EventInput struct {
	EventID    *uuid.UUID     `json:"event_id,omitempty"`
	UserID     string         `json:"user_id"`
	Source     schema.Source  `json:"source"`
	ActionType string         `json:"action_type"`
	MetaData   map[string]any `json:"meta_data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	BufferSize int `json:"buffer_size"`
}

// HandleEvents handles POST /v1/events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided")
		return
	}
	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch))
		return
	}

	events := make([]*schema.Event, 0, len(req.Events))
	for _, input := range req.Events {
		events = append(events, convertInput(input))
	}

	res, err := h.engine.Ingest(events)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	status := http.StatusOK
	if res.Accepted == 0 && res.Rejected > 0 {
		status = http.StatusBadRequest
	} else if res.Rejected > 0 {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, IngestResponse{
		Accepted:   res.Accepted,
		Rejected:   res.Rejected,
		BufferSize: res.BufferSize,
	})
}

func convertInput(input EventInput) *schema.Event {
	event := &schema.Event{
		UserID:     input.UserID,
		Source:     input.Source,
		ActionType: input.ActionType,
		MetaData:   input.MetaData,
		OccurredAt: input.OccurredAt,
		ReceivedAt: time.Now().UTC(),
	}
	if input.EventID != nil {
		event.EventID = *input.EventID
	} else {
		event.EventID = uuid.New()
	}
	return event
}

// HandleEvaluate handles POST /v1/users/{id}/evaluate. An anomalous
// verdict locks the user and publishes an alert as a side effect.
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing user id")
		return
	}

	verdict, err := h.engine.Evaluate(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, detector.ErrInsufficientData):
			respondError(w, http.StatusNotFound, fmt.Sprintf("insufficient data for user %s", userID))
		default:
			h.logger.Error("evaluate failed", "user_id", userID, "error", err)
			respondError(w, http.StatusInternalServerError, "evaluation failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, verdict)
}

// TrainResponse is the response for a manual retrain.
type TrainResponse struct {
	EventsUsed int  `json:"events_used"`
	Trained    bool `json:"trained"`
}

// HandleTrain handles POST /v1/train.
func (h *Handler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	used, err := h.engine.Train(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, detector.ErrTooFewUsers):
			respondError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("train failed", "error", err)
			respondError(w, http.StatusInternalServerError, "training failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, TrainResponse{
		EventsUsed: used,
		Trained:    h.engine.Trained(),
	})
}

// HandleSybilScan handles POST /v1/sybil-scan. An optional lookback
// query parameter such as 24h narrows the scan window.
func (h *Handler) HandleSybilScan(w http.ResponseWriter, r *http.Request) {
	var lookback time.Duration
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid lookback %q", raw))
			return
		}
		lookback = parsed
	}

	res, err := h.engine.SybilScanWindow(r.Context(), lookback)
	if err != nil {
		h.logger.Error("sybil scan failed", "error", err)
		respondError(w, http.StatusInternalServerError, "scan failed")
		return
	}

	if res.SuspiciousUsers == nil {
		res.SuspiciousUsers = []string{}
	}
	respondJSON(w, http.StatusOK, res)
}

// HandleAlerts handles GET /v1/alerts.
func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	alerts := h.engine.Alerts(limit)
	if alerts == nil {
		alerts = []*schema.FraudAlert{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// UserStatusResponse summarizes a tracked user.
type UserStatusResponse struct {
	UserID          string                `json:"user_id"`
	Status          schema.SecurityStatus `json:"status"`
	ReputationScore float64               `json:"reputation_score"`
	RecentAlerts    int                   `json:"recent_alerts"`
}

// HandleUserStatus handles GET /v1/users/{id}/status.
func (h *Handler) HandleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing user id")
		return
	}

	status, err := h.engine.UserStatus(userID)
	if err != nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown user %s", userID))
		return
	}

	respondJSON(w, http.StatusOK, UserStatusResponse{
		UserID:          status.UserID,
		Status:          status.Status,
		ReputationScore: status.ReputationScore,
		RecentAlerts:    len(h.engine.AlertsFor(userID)),
	})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.engine.HealthCheck()

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"model_trained":  health.ModelTrained,
		"buffer_size":    health.BufferSize,
		"tracked_users":  health.TrackedUsers,
		"uptime_seconds": int(health.Uptime.Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus text format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	health := h.engine.HealthCheck()
	counts := h.engine.StatusCounts()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP sentinel_events_accepted_total Total events accepted into the buffer\n")
	fmt.Fprintf(w, "# TYPE sentinel_events_accepted_total counter\n")
	fmt.Fprintf(w, "sentinel_events_accepted_total %d\n\n", stats.Accepted)

	fmt.Fprintf(w, "# HELP sentinel_events_rejected_total Total events rejected by validation\n")
	fmt.Fprintf(w, "# TYPE sentinel_events_rejected_total counter\n")
	fmt.Fprintf(w, "sentinel_events_rejected_total %d\n\n", stats.Rejected)

	fmt.Fprintf(w, "# HELP sentinel_users_locked_total Total users locked for fraud\n")
	fmt.Fprintf(w, "# TYPE sentinel_users_locked_total counter\n")
	fmt.Fprintf(w, "sentinel_users_locked_total %d\n\n", stats.Locks)

	fmt.Fprintf(w, "# HELP sentinel_alerts_published_total Total fraud alerts published\n")
	fmt.Fprintf(w, "# TYPE sentinel_alerts_published_total counter\n")
	fmt.Fprintf(w, "sentinel_alerts_published_total %d\n\n", stats.Published)

	fmt.Fprintf(w, "# HELP sentinel_alert_deliveries_failed_total Total failed alert channel deliveries\n")
	fmt.Fprintf(w, "# TYPE sentinel_alert_deliveries_failed_total counter\n")
	fmt.Fprintf(w, "sentinel_alert_deliveries_failed_total %d\n\n", stats.Failed)

	fmt.Fprintf(w, "# HELP sentinel_buffer_events Current buffered event count\n")
	fmt.Fprintf(w, "# TYPE sentinel_buffer_events gauge\n")
	fmt.Fprintf(w, "sentinel_buffer_events %d\n\n", health.BufferSize)

	fmt.Fprintf(w, "# HELP sentinel_tracked_users Current tracked user count\n")
	fmt.Fprintf(w, "# TYPE sentinel_tracked_users gauge\n")
	fmt.Fprintf(w, "sentinel_tracked_users %d\n\n", health.TrackedUsers)

	fmt.Fprintf(w, "# HELP sentinel_model_trained Whether the isolation forest is trained\n")
	fmt.Fprintf(w, "# TYPE sentinel_model_trained gauge\n")
	fmt.Fprintf(w, "sentinel_model_trained %d\n\n", boolToInt(health.ModelTrained))

	fmt.Fprintf(w, "# HELP sentinel_users_by_status Current user count per security status\n")
	fmt.Fprintf(w, "# TYPE sentinel_users_by_status gauge\n")
	for _, status := range []schema.SecurityStatus{
		schema.StatusActive, schema.StatusFlagged, schema.StatusMonitored, schema.StatusLocked,
	} {
		fmt.Fprintf(w, "sentinel_users_by_status{status=%q} %d\n", status, counts[status])
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP sentinel_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE sentinel_uptime_seconds gauge\n")
	fmt.Fprintf(w, "sentinel_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}
