package models

import "time"

// Task is a shared work item scoped to one session. The (SessionID, ID) pair
// is the record key; ID comes from the session's TaskCounter.
type Task struct {
	SessionID   string `gorm:"primaryKey;size:64"`
	ID          int    `gorm:"primaryKey;autoIncrement:false"`
	Subject     string `gorm:"size:256;not null"`
	Description string `gorm:"type:text"`
	ActiveForm  string `gorm:"size:256"`
	Status      string `gorm:"size:16;default:open;index"`
	Owner       string `gorm:"size:64;index"`
	Metadata    string `gorm:"type:text"` // JSON object
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskDep records that TaskID cannot start until DependsOn is done.
type TaskDep struct {
	SessionID string `gorm:"primaryKey;size:64"`
	TaskID    int    `gorm:"primaryKey;autoIncrement:false"`
	DependsOn int    `gorm:"primaryKey;autoIncrement:false"`
}

// TaskCounter is the per-session id high-watermark. It only ever grows.
type TaskCounter struct {
	SessionID string `gorm:"primaryKey;size:64"`
	HighWater int    `gorm:"not null;default:0"`
}
