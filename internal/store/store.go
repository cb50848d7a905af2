// Package store mirrors the in-memory reliability state to the database so
// a restart can recover live sessions, device rosters, and undelivered
// messages. The in-memory components stay authoritative; rows here are a
// crash-recovery shadow.
package store

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/signalbox/internal/devices"
	"github.com/zulandar/signalbox/internal/envelope"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/registry"
)

// Store adapts a gorm database to the persistence seams of the registry,
// queue, and device coordinator.
type Store struct {
	db *gorm.DB
}

// New wraps an open database handle. Callers with no database configured
// should pass their components a nil store instead.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveSession upserts a session row keyed by context key.
func (s *Store) SaveSession(sess registry.Session) error {
	row := models.Session{
		SessionID:    sess.SessionID,
		ContextKey:   sess.ContextKey,
		MessageCount: sess.MessageCount,
		LastActiveAt: sess.LastActiveAt,
		CreatedAt:    sess.CreatedAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "context_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "message_count", "last_active_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// DeleteSession removes a session row and its device roster.
func (s *Store) DeleteSession(contextKey string) error {
	var row models.Session
	err := s.db.Where("context_key = ?", contextKey).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", contextKey, err)
	}
	if err := s.db.Where("session_id = ?", row.SessionID).Delete(&models.Device{}).Error; err != nil {
		return fmt.Errorf("store: delete session %s devices: %w", contextKey, err)
	}
	if err := s.db.Delete(&row).Error; err != nil {
		return fmt.Errorf("store: delete session %s: %w", contextKey, err)
	}
	return nil
}

// LoadSessions returns every persisted session for registry preload.
// Expiry filtering happens in the registry.
func (s *Store) LoadSessions() ([]registry.Session, error) {
	var rows []models.Session
	if err := s.db.Order("last_active_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load sessions: %w", err)
	}
	out := make([]registry.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, registry.Session{
			SessionID:    r.SessionID,
			ContextKey:   r.ContextKey,
			MessageCount: r.MessageCount,
			LastActiveAt: r.LastActiveAt,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

// SaveMessage upserts a message row keyed by message id.
func (s *Store) SaveMessage(m queue.Message) error {
	delivered, err := json.Marshal(m.DeliveredTo)
	if err != nil {
		return fmt.Errorf("store: save message %s: %w", m.MessageID, err)
	}
	row := models.QueuedMessage{
		MessageID:   m.MessageID,
		SessionID:   m.SessionID,
		Kind:        m.Kind,
		Payload:     m.Payload,
		Priority:    string(m.Priority),
		Attempts:    m.Attempts,
		DeliveredTo: string(delivered),
		Status:      models.MessageStatusActive,
		EnqueuedAt:  m.EnqueuedAt,
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"attempts", "delivered_to", "priority", "status"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save message %s: %w", m.MessageID, err)
	}
	return nil
}

// RetireMessage marks a message retired or dead-lettered. The row is kept
// for audit rather than deleted.
func (s *Store) RetireMessage(messageID, status, reason string) error {
	dbStatus := models.MessageStatusRetired
	if status == queue.StatusDeadLetter {
		dbStatus = models.MessageStatusDeadLetter
	}
	result := s.db.Model(&models.QueuedMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{"status": dbStatus, "reason": reason})
	if result.Error != nil {
		return fmt.Errorf("store: retire message %s: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store: message not found: %s", messageID)
	}
	return nil
}

// LoadUndelivered returns active messages for queue preload, oldest first.
func (s *Store) LoadUndelivered() ([]queue.Message, error) {
	var rows []models.QueuedMessage
	err := s.db.Where("status = ?", models.MessageStatusActive).
		Order("enqueued_at ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: load undelivered: %w", err)
	}
	out := make([]queue.Message, 0, len(rows))
	for _, r := range rows {
		m := queue.Message{
			MessageID:  r.MessageID,
			SessionID:  r.SessionID,
			Kind:       r.Kind,
			Payload:    r.Payload,
			Priority:   priorityOf(r.Priority),
			Attempts:   r.Attempts,
			EnqueuedAt: r.EnqueuedAt,
		}
		if r.DeliveredTo != "" {
			if err := json.Unmarshal([]byte(r.DeliveredTo), &m.DeliveredTo); err != nil {
				return nil, fmt.Errorf("store: message %s delivered_to: %w", r.MessageID, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveDevice upserts a device row keyed by (session, device).
func (s *Store) SaveDevice(d devices.Device) error {
	row := models.Device{
		DeviceID:   d.DeviceID,
		SessionID:  d.SessionID,
		Platform:   d.Platform,
		IsPrimary:  d.IsPrimary,
		JoinedAt:   d.JoinedAt,
		LastSeenAt: d.LastSeenAt,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"platform", "is_primary", "last_seen_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save device %s/%s: %w", d.SessionID, d.DeviceID, err)
	}
	return nil
}

// DeleteDevice removes a device row.
func (s *Store) DeleteDevice(sessionID, deviceID string) error {
	err := s.db.Where("session_id = ? AND device_id = ?", sessionID, deviceID).
		Delete(&models.Device{}).Error
	if err != nil {
		return fmt.Errorf("store: delete device %s/%s: %w", sessionID, deviceID, err)
	}
	return nil
}

// DeadLetterCount reports how many dead-lettered rows are on record.
func (s *Store) DeadLetterCount() (int64, error) {
	var n int64
	err := s.db.Model(&models.QueuedMessage{}).
		Where("status = ?", models.MessageStatusDeadLetter).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count dead letters: %w", err)
	}
	return n, nil
}

// priorityOf maps a stored priority string back to the envelope type,
// defaulting to normal for anything unrecognized.
func priorityOf(s string) envelope.Priority {
	p := envelope.Priority(s)
	if !p.Valid() {
		return envelope.PriorityNormal
	}
	return p
}
