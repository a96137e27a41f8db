package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gami-sentinel/internal/schema"
)

// AlertStore persists fraud alerts. The alerts table is append-only.
type AlertStore struct {
	client *ClickHouseClient
}

// NewAlertStore creates an AlertStore.
func NewAlertStore(client *ClickHouseClient) *AlertStore {
	return &AlertStore{client: client}
}

// InsertAlert appends one alert. Duplicate alert IDs are tolerated; the
// table deduplicates on merge.
func (s *AlertStore) InsertAlert(ctx context.Context, alert *schema.FraudAlert) error {
	err := s.client.Exec(ctx, `
		INSERT INTO fraud_alerts (
			alert_id, user_id, anomaly_score, reason, action_taken, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		alert.AlertID,
		alert.UserID,
		alert.AnomalyScore,
		alert.Reason,
		string(alert.ActionTaken),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// RecentAlerts returns the newest alerts, newest first.
func (s *AlertStore) RecentAlerts(ctx context.Context, limit int) ([]*schema.FraudAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.client.Query(ctx, `
		SELECT alert_id, user_id, anomaly_score, reason, action_taken, created_at
		FROM fraud_alerts
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// AlertsForUser returns a user's alerts, newest first.
func (s *AlertStore) AlertsForUser(ctx context.Context, userID string, limit int) ([]*schema.FraudAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.client.Query(ctx, `
		SELECT alert_id, user_id, anomaly_score, reason, action_taken, created_at
		FROM fraud_alerts
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts for %s: %w", userID, err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

type alertRows interface {
	Next() bool
	Scan(dest ...any) error
}

func scanAlerts(rows alertRows) ([]*schema.FraudAlert, error) {
	var alerts []*schema.FraudAlert
	for rows.Next() {
		var (
			alertID   uuid.UUID
			userID    string
			score     float64
			reason    string
			action    string
			createdAt time.Time
		)
		if err := rows.Scan(&alertID, &userID, &score, &reason, &action, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		alerts = append(alerts, &schema.FraudAlert{
			AlertID:      alertID,
			UserID:       userID,
			AnomalyScore: score,
			Reason:       reason,
			ActionTaken:  schema.AlertAction(action),
			CreatedAt:    createdAt,
		})
	}
	return alerts, nil
}
