package models

import "time"

// Session mirrors a live bridge session for crash recovery. The in-memory
// registry is authoritative while the process runs; rows here let a restart
// re-adopt sessions instead of minting new ones.
type Session struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SessionID    string    `gorm:"size:64;not null;uniqueIndex"`
	ContextKey   string    `gorm:"size:512;not null;uniqueIndex"`
	MessageCount int       `gorm:"default:0"`
	LastActiveAt time.Time `gorm:"index"`
	CreatedAt    time.Time

	Devices  []Device        `gorm:"foreignKey:SessionID;references:SessionID"`
	Messages []QueuedMessage `gorm:"foreignKey:SessionID;references:SessionID"`
}

// Device mirrors one client attachment to a session.
type Device struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	DeviceID   string `gorm:"size:64;not null;index:idx_session_device,unique"`
	SessionID  string `gorm:"size:64;not null;index:idx_session_device,unique"`
	Platform   string `gorm:"size:32"`
	IsPrimary  bool   `gorm:"default:false"`
	JoinedAt   time.Time
	LastSeenAt time.Time `gorm:"index"`
}
