package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zulandar/teamyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the server persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Message{},
		&models.Task{},
		&models.TaskDep{},
		&models.TaskCounter{},
		&models.SessionRecord{},
		&models.HistoryEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// PurgeSession deletes every row that belongs to sessionID.
func PurgeSession(gdb *gorm.DB, sessionID string) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.Message{},
			&models.TaskDep{},
			&models.Task{},
			&models.TaskCounter{},
			&models.HistoryEvent{},
		} {
			if err := tx.Where("session_id = ?", sessionID).Delete(m).Error; err != nil {
				return fmt.Errorf("db: purge %s: %w", sessionID, err)
			}
		}
		if err := tx.Where("id = ?", sessionID).Delete(&models.SessionRecord{}).Error; err != nil {
			return fmt.Errorf("db: purge %s: %w", sessionID, err)
		}
		return nil
	})
}

// StaleSessions returns ids of sessions that ended before cutoff.
func StaleSessions(gdb *gorm.DB, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := gdb.Model(&models.SessionRecord{}).
		Where("status = ? AND ended_at < ?", "stopped", cutoff).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("db: stale sessions: %w", err)
	}
	return ids, nil
}

// ListSessions returns session records newest first. A limit of zero or
// less returns all of them.
func ListSessions(gdb *gorm.DB, limit int) ([]models.SessionRecord, error) {
	q := gdb.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []models.SessionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("db: list sessions: %w", err)
	}
	return recs, nil
}

// GetSession loads one session record. A missing id returns
// gorm.ErrRecordNotFound, wrapped.
func GetSession(gdb *gorm.DB, id string) (models.SessionRecord, error) {
	var rec models.SessionRecord
	if err := gdb.Where("id = ?", id).First(&rec).Error; err != nil {
		return rec, fmt.Errorf("db: session %s: %w", id, err)
	}
	return rec, nil
}

func gormSQL(gdb *gorm.DB) (*sql.DB, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: underlying pool: %w", err)
	}
	return sqlDB, nil
}
