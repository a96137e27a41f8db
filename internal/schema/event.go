// Package schema defines the canonical data model for Gami Sentinel.
// All ingested activity events are normalized to this structure before
// buffering and scoring.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single user activity event. Events are immutable once
// ingested: downstream readers reference them but never mutate them.
type Event struct {
	EventID    uuid.UUID      `json:"event_id"`
	UserID     string         `json:"user_id" validate:"required,max=256"`
	Source     Source         `json:"source" validate:"required,oneof=web2 web3"`
	ActionType string         `json:"action_type" validate:"required,action_format"`
	MetaData   map[string]any `json:"meta_data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" validate:"required"`

	// Set by the system at ingestion.
	ReceivedAt time.Time `json:"received_at"`
}

// Source identifies where an event originated.
type Source string

const (
	SourceWeb2 Source = "web2"
	SourceWeb3 Source = "web3"
)

// IsValid checks if the source is a valid value.
func (s Source) IsValid() bool {
	switch s {
	case SourceWeb2, SourceWeb3:
		return true
	}
	return false
}

// XPEarned returns the xp_earned meta_data value, or 0 when absent or not
// numeric. meta_data is an open map; unknown keys are preserved opaquely.
func (e *Event) XPEarned() float64 {
	if e.MetaData == nil {
		return 0
	}
	switch v := e.MetaData["xp_earned"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	}
	return 0
}

// AnomalyVerdict is the result of evaluating one user against the model
// and the rule thresholds.
type AnomalyVerdict struct {
	UserID         string  `json:"user_id"`
	IsAnomaly      bool    `json:"is_anomaly"`
	AnomalyScore   float64 `json:"anomaly_score"`
	Reason         string  `json:"reason"`
	EventsAnalyzed int     `json:"events_analyzed"`
}

// AlertAction is the automated action recorded on a fraud alert.
type AlertAction string

const (
	ActionLocked    AlertAction = "LOCKED"
	ActionFlagged   AlertAction = "FLAGGED"
	ActionMonitored AlertAction = "MONITORED"
)

// IsValid checks if the alert action is a valid value.
func (a AlertAction) IsValid() bool {
	switch a {
	case ActionLocked, ActionFlagged, ActionMonitored:
		return true
	}
	return false
}

// FraudAlert is created for every actionable verdict and appended to the
// alert history. Alerts are append-only.
type FraudAlert struct {
	AlertID      uuid.UUID   `json:"alert_id"`
	UserID       string      `json:"user_id"`
	AnomalyScore float64     `json:"anomaly_score"`
	Reason       string      `json:"reason"`
	ActionTaken  AlertAction `json:"action_taken"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewFraudAlert builds an alert with a fresh ID and timestamp.
func NewFraudAlert(userID string, score float64, reason string, action AlertAction) *FraudAlert {
	return &FraudAlert{
		AlertID:      uuid.New(),
		UserID:       userID,
		AnomalyScore: score,
		Reason:       reason,
		ActionTaken:  action,
		CreatedAt:    time.Now().UTC(),
	}
}

// SecurityStatus is a user's security state.
type SecurityStatus string

const (
	StatusActive    SecurityStatus = "ACTIVE"
	StatusFlagged   SecurityStatus = "FLAGGED"
	StatusMonitored SecurityStatus = "MONITORED"
	StatusLocked    SecurityStatus = "LOCKED"
)

// IsValid checks if the status is a valid value.
func (s SecurityStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusFlagged, StatusMonitored, StatusLocked:
		return true
	}
	return false
}

// UserSecurityStatus is the per-user security record. One record per user,
// mutated only by the status registry.
type UserSecurityStatus struct {
	UserID          string         `json:"user_id"`
	Status          SecurityStatus `json:"status"`
	ReputationScore float64        `json:"reputation_score"`
}
