package models

import "time"

// Message is one entry in an agent's mailbox. Rows are append-only; only
// Read ever changes after insert, and only from false to true.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:64;not null;index:idx_mailbox,priority:1"`
	ToAgent   string    `gorm:"size:64;not null;index:idx_mailbox,priority:2"`
	Seq       int       `gorm:"not null;index:idx_mailbox,priority:3"`
	FromAgent string    `gorm:"size:64;not null"`
	Kind      string    `gorm:"size:16;default:message"` // message, broadcast, protocol
	Summary   string    `gorm:"size:128"`
	Body      string    `gorm:"type:text"`
	Read      bool      `gorm:"column:is_read;default:false"`
	CreatedAt time.Time
}
