package models

import "time"

// SessionRecord is the persisted summary of a team session.
type SessionRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Team       string `gorm:"type:text"` // JSON team definition
	Status     string `gorm:"size:16;default:running;index"`
	StopReason string `gorm:"size:128"`
	CreatedAt  time.Time
	EndedAt    *time.Time
}

// HistoryEvent is one best-effort activity record written by the history
// recorder: message appends, task mutations and finished turns.
type HistoryEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:64;not null;index"`
	Kind      string `gorm:"size:32;not null;index"`
	Agent     string `gorm:"size:64"`
	Payload   string `gorm:"type:text"`
	CreatedAt time.Time
}
