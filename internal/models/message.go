package models

import "time"

// Queued message statuses.
const (
	MessageStatusActive     = "active"
	MessageStatusRetired    = "retired"
	MessageStatusDeadLetter = "deadletter"
)

// QueuedMessage mirrors a unit of outbound delivery. DeliveredTo is a JSON
// array of device IDs that have acknowledged the message.
type QueuedMessage struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	MessageID   string    `gorm:"size:64;not null;uniqueIndex"`
	SessionID   string    `gorm:"size:64;not null;index"`
	Kind        string    `gorm:"size:32;not null"`
	Payload     []byte    `gorm:"type:blob"`
	Priority    string    `gorm:"size:8;default:normal"`
	Attempts    int       `gorm:"default:0"`
	DeliveredTo string    `gorm:"type:json"`
	Status      string    `gorm:"size:16;default:active;index"` // active, retired, deadletter
	Reason      string    `gorm:"size:32"`                      // deadletter reason, if any
	EnqueuedAt  time.Time `gorm:"index"`
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
