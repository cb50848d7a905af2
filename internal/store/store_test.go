package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/devices"
	"github.com/zulandar/signalbox/internal/envelope"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/registry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	sess := registry.Session{
		SessionID:    "sess-1",
		ContextKey:   "/proj/a",
		MessageCount: 3,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Saving again with updated fields upserts, not duplicates.
	sess.MessageCount = 5
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d sessions, want 1", len(got))
	}
	if got[0].SessionID != "sess-1" || got[0].MessageCount != 5 {
		t.Errorf("loaded = %+v", got[0])
	}
}

func TestDeleteSession_CascadesDevices(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	s.SaveSession(registry.Session{SessionID: "sess-1", ContextKey: "/proj/a", LastActiveAt: now})
	s.SaveDevice(devices.Device{DeviceID: "dev-1", SessionID: "sess-1", JoinedAt: now, LastSeenAt: now})

	if err := s.DeleteSession("/proj/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, _ := s.LoadSessions()
	if len(got) != 0 {
		t.Errorf("sessions remaining = %+v", got)
	}
	var n int64
	s.db.Model(&models.Device{}).Count(&n)
	if n != 0 {
		t.Errorf("device rows remaining = %d", n)
	}

	// Deleting a missing session is a no-op.
	if err := s.DeleteSession("/proj/missing"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)

	m := queue.Message{
		MessageID:  "msg-1",
		SessionID:  "sess-1",
		Kind:       "message",
		Payload:    []byte(`{"body":"hi"}`),
		Priority:   envelope.PriorityHigh,
		EnqueuedAt: now,
	}
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Partial delivery updates the same row.
	m.DeliveredTo = []string{"dev-1"}
	m.Attempts = 1
	if err := s.SaveMessage(m); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.LoadUndelivered()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d messages, want 1", len(got))
	}
	if got[0].Priority != envelope.PriorityHigh || got[0].Attempts != 1 {
		t.Errorf("loaded = %+v", got[0])
	}
	if len(got[0].DeliveredTo) != 1 || got[0].DeliveredTo[0] != "dev-1" {
		t.Errorf("delivered_to = %v", got[0].DeliveredTo)
	}

	// Retired rows drop out of the recovery set but stay on record.
	if err := s.RetireMessage("msg-1", queue.StatusRetired, ""); err != nil {
		t.Fatalf("retire: %v", err)
	}
	got, _ = s.LoadUndelivered()
	if len(got) != 0 {
		t.Errorf("retired message still loaded: %+v", got)
	}
	var n int64
	s.db.Model(&models.QueuedMessage{}).Count(&n)
	if n != 1 {
		t.Errorf("rows = %d, want 1 kept for audit", n)
	}
}

func TestRetireMessage_DeadLetterStatus(t *testing.T) {
	s := testStore(t)
	s.SaveMessage(queue.Message{MessageID: "msg-1", SessionID: "sess-1", Kind: "message",
		Priority: envelope.PriorityNormal, EnqueuedAt: time.Now()})

	if err := s.RetireMessage("msg-1", queue.StatusDeadLetter, queue.ReasonMaxAttempts); err != nil {
		t.Fatalf("retire: %v", err)
	}
	n, err := s.DeadLetterCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}

	var row models.QueuedMessage
	s.db.Where("message_id = ?", "msg-1").First(&row)
	if row.Reason != queue.ReasonMaxAttempts {
		t.Errorf("reason = %q", row.Reason)
	}
}

func TestRetireMessage_NotFound(t *testing.T) {
	s := testStore(t)
	if err := s.RetireMessage("ghost", queue.StatusRetired, ""); err == nil {
		t.Error("expected error for unknown message")
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	d := devices.Device{DeviceID: "dev-1", SessionID: "sess-1", Platform: "ios",
		IsPrimary: true, JoinedAt: now, LastSeenAt: now}
	if err := s.SaveDevice(d); err != nil {
		t.Fatalf("save: %v", err)
	}
	d.IsPrimary = false
	if err := s.SaveDevice(d); err != nil {
		t.Fatalf("resave: %v", err)
	}

	var rows []models.Device
	s.db.Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].IsPrimary {
		t.Error("upsert did not apply is_primary")
	}

	if err := s.DeleteDevice("sess-1", "dev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s.db.Find(&rows)
	if len(rows) != 0 {
		t.Errorf("rows remaining = %d", len(rows))
	}
}

func TestLoadUndelivered_UnknownPriorityDefaultsNormal(t *testing.T) {
	s := testStore(t)
	row := models.QueuedMessage{MessageID: "msg-1", SessionID: "sess-1", Kind: "message",
		Priority: "urgent", Status: models.MessageStatusActive, EnqueuedAt: time.Now()}
	if err := s.db.Create(&row).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.LoadUndelivered()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got[0].Priority != envelope.PriorityNormal {
		t.Errorf("priority = %q, want normal", got[0].Priority)
	}
}
