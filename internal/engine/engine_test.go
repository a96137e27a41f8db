package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"gami-sentinel/internal/alerting"
	"gami-sentinel/internal/buffer"
	"gami-sentinel/internal/detector"
	"gami-sentinel/internal/forest"
	"gami-sentinel/internal/schema"
	"gami-sentinel/internal/status"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()

	buf := buffer.New(7 * 24 * time.Hour)
	model := forest.New(forest.Config{Trees: 100, SubsampleSize: 256, Contamination: 0.05, Seed: 42})
	det := detector.New(detector.DefaultConfig(), buf, model)

	cfg := DefaultConfig()
	cfg.MonitorInterval = 0 // monitor passes are driven manually in tests
	e := New(cfg, Options{
		Validator: schema.NewValidator(),
		Buffer:    buf,
		Detector:  det,
		Retrainer: detector.NewRetrainer(det, 10, 24*time.Hour),
		SybilCfg:  detector.DefaultSybilConfig(),
		Statuses:  status.NewRegistry(),
		Publisher: alerting.New(alerting.DefaultConfig(), nil),
	})
	t.Cleanup(e.Stop)
	return e
}

func event(userID, action string, at time.Time, xp float64) *schema.Event {
	return &schema.Event{
		EventID:    uuid.New(),
		UserID:     userID,
		Source:     schema.SourceWeb2,
		ActionType: action,
		MetaData:   map[string]any{"xp_earned": xp},
		OccurredAt: at,
		ReceivedAt: at,
	}
}

// organicUser generates a salted activity profile so the training
// population spans casual and heavy players. Every fifth profile is the
// canonical casual player, ten check-ins exactly an hour apart at 10 XP,
// forming a cohort; the rest vary cadence, XP and action mix.
func organicUser(userID string, base time.Time) []*schema.Event {
	h := fnv.New32a()
	h.Write([]byte(userID))
	salt := int(h.Sum32() % 97)

	actions := []string{"quest.complete", "item.craft", "match.play", "social.chat", "market.trade"}
	count, interval, xp, mix := 12+salt%8, time.Duration(5+salt%16)*time.Minute, 5+float64(salt%16), 1+salt%5
	casual := salt%5 == 0
	if casual {
		count, interval, xp, mix = 10, time.Hour, 10, 1
	}

	events := make([]*schema.Event, 0, count)
	at := base
	for i := 0; i < count; i++ {
		at = at.Add(interval)
		if !casual {
			at = at.Add(time.Duration(salt*i%120) * time.Second)
		}
		events = append(events, event(userID, actions[(i+salt)%mix], at, xp))
	}
	return events
}

func trainOnPopulation(t *testing.T, e *Engine, users int) {
	t.Helper()
	base := time.Now().Add(-12 * time.Hour)
	for i := 0; i < users; i++ {
		if _, err := e.Ingest(organicUser(fmt.Sprintf("user-%03d", i), base)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if _, err := e.Train(context.Background()); err != nil {
		t.Fatalf("Train: %v", err)
	}
}

func TestIngestValidationSkipsBadEvents(t *testing.T) {
	e := testEngine(t)
	now := time.Now()

	batch := []*schema.Event{
		event("u1", "quest.complete", now, 10),
		event("u1", "Not A Valid Action!", now, 10),
		event("", "quest.complete", now, 10),
		nil,
	}

	res, err := e.Ingest(batch)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Accepted != 1 || res.Rejected != 3 {
		t.Errorf("result = %+v, want accepted 1 rejected 3", res)
	}
	if res.BufferSize != 1 {
		t.Errorf("buffer size = %d, want 1", res.BufferSize)
	}
}

func TestIngestObservesUsers(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Ingest([]*schema.Event{event("fresh", "quest.complete", time.Now(), 5)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	record, err := e.UserStatus("fresh")
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if record.Status != schema.StatusActive {
		t.Errorf("status = %s, want ACTIVE", record.Status)
	}
}

// Ingesting 200 events one second apart at 500 XP each must lock the
// user with an XP-rate explanation and record exactly one alert.
func TestEndToEndBotIsLocked(t *testing.T) {
	e := testEngine(t)
	trainOnPopulation(t, e, 30)

	base := time.Now().Add(-30 * time.Minute)
	botEvents := make([]*schema.Event, 0, 200)
	for i := 0; i < 200; i++ {
		botEvents = append(botEvents, event("bot-A", "quest.complete", base.Add(time.Duration(i)*time.Second), 500))
	}
	if _, err := e.Ingest(botEvents); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	verdict, err := e.Evaluate(context.Background(), "bot-A")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !verdict.IsAnomaly {
		t.Fatalf("bot not anomalous: score=%v reason=%q", verdict.AnomalyScore, verdict.Reason)
	}
	if !strings.Contains(verdict.Reason, "xp rate") {
		t.Errorf("reason %q does not mention the XP rate", verdict.Reason)
	}

	record, err := e.UserStatus("bot-A")
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if record.Status != schema.StatusLocked {
		t.Errorf("status = %s, want LOCKED", record.Status)
	}

	if got := len(e.AlertsFor("bot-A")); got != 1 {
		t.Fatalf("alerts recorded = %d, want exactly 1", got)
	}

	// Re-evaluating a locked user must not produce a second alert.
	if _, err := e.Evaluate(context.Background(), "bot-A"); err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if got := len(e.AlertsFor("bot-A")); got != 1 {
		t.Errorf("alerts after re-evaluation = %d, want 1", got)
	}
}

// Ten events an hour apart at 10 XP each must evaluate clean and leave
// the user ACTIVE.
func TestEndToEndOrganicUserStaysActive(t *testing.T) {
	e := testEngine(t)
	trainOnPopulation(t, e, 30)

	base := time.Now().Add(-11 * time.Hour)
	var events []*schema.Event
	for i := 0; i < 10; i++ {
		events = append(events, event("user-B", "quest.complete", base.Add(time.Duration(i)*time.Hour), 10))
	}
	if _, err := e.Ingest(events); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	verdict, err := e.Evaluate(context.Background(), "user-B")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if verdict.IsAnomaly {
		t.Errorf("organic user flagged: score=%v reason=%q", verdict.AnomalyScore, verdict.Reason)
	}

	record, err := e.UserStatus("user-B")
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if record.Status != schema.StatusActive {
		t.Errorf("status = %s, want ACTIVE", record.Status)
	}
	if got := len(e.AlertsFor("user-B")); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

func TestEvaluateUnknownUser(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Evaluate(context.Background(), "ghost"); !errors.Is(err, detector.ErrInsufficientData) {
		t.Errorf("got %v, want ErrInsufficientData", err)
	}
}

func TestSybilScanLocksSuspects(t *testing.T) {
	e := testEngine(t)

	base := time.Now().Add(-5 * time.Hour)
	for i := 0; i < 20; i++ {
		var events []*schema.Event
		for j := 0; j < 10; j++ {
			events = append(events, event(fmt.Sprintf("u%02d", i), "quest.complete",
				base.Add(time.Duration(j)*30*time.Minute), 20+float64(i%3)))
		}
		if _, err := e.Ingest(events); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	// One farming ring member at two orders of magnitude above the mean.
	var farm []*schema.Event
	for j := 0; j < 300; j++ {
		farm = append(farm, event("farm-bot", "quest.complete",
			base.Add(time.Duration(j)*time.Minute), 200))
	}
	if _, err := e.Ingest(farm); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := e.SybilScan(context.Background())
	if err != nil {
		t.Fatalf("SybilScan: %v", err)
	}
	if len(res.SuspiciousUsers) != 1 || res.SuspiciousUsers[0] != "farm-bot" {
		t.Fatalf("suspects = %v, want [farm-bot]", res.SuspiciousUsers)
	}

	record, err := e.UserStatus("farm-bot")
	if err != nil {
		t.Fatalf("UserStatus: %v", err)
	}
	if record.Status != schema.StatusLocked {
		t.Errorf("status = %s, want LOCKED", record.Status)
	}
	alerts := e.AlertsFor("farm-bot")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if !strings.Contains(alerts[0].Reason, "Sybil") {
		t.Errorf("reason = %q, want a Sybil explanation", alerts[0].Reason)
	}

	// A second scan finds the same user but does not re-alert.
	if _, err := e.SybilScan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := len(e.AlertsFor("farm-bot")); got != 1 {
		t.Errorf("alerts after second scan = %d, want 1", got)
	}
}

func TestMonitorPassAutoTrains(t *testing.T) {
	e := testEngine(t)

	base := time.Now().Add(-12 * time.Hour)
	for i := 0; i < 12; i++ {
		if _, err := e.Ingest(organicUser(fmt.Sprintf("user-%02d", i), base)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	if e.Trained() {
		t.Fatal("model trained before any monitor pass")
	}
	e.monitorPass(context.Background())
	if !e.Trained() {
		t.Error("monitor pass did not auto-train with sufficient data")
	}
}

func TestMonitorPassSkipsSmallBuffer(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Ingest(organicUser("only-user", time.Now().Add(-12*time.Hour))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	e.monitorPass(context.Background())
	if e.Trained() {
		t.Error("monitor pass trained below the user threshold")
	}
}

func TestIngestAfterStop(t *testing.T) {
	e := testEngine(t)
	e.Stop()
	if _, err := e.Ingest([]*schema.Event{event("u1", "quest.complete", time.Now(), 5)}); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestHealthCheck(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Ingest(organicUser("u1", time.Now().Add(-12*time.Hour))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	h := e.HealthCheck()
	if h.ModelTrained {
		t.Error("model reported trained before training")
	}
	if h.BufferSize == 0 || h.TrackedUsers != 1 {
		t.Errorf("health = %+v", h)
	}
}
