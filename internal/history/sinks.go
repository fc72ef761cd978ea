package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/models"
)

func encodePayload(p any) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("history: encode payload: %w", err)
	}
	return string(data), nil
}

// GormSink writes records to the history_events table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink returns a sink backed by db.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

func (s *GormSink) Name() string { return "database" }

func (s *GormSink) Write(ctx context.Context, rec Record) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	ev := models.HistoryEvent{
		SessionID: rec.SessionID,
		Kind:      rec.Kind,
		Agent:     rec.Agent,
		Payload:   payload,
		CreatedAt: rec.Time,
	}
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *GormSink) Close() error { return nil }

// RedisSink appends records to a capped redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to cfg.Addr and verifies the connection.
func NewRedisSink(cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("history: connect redis %s: %w", cfg.Addr, err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = "teamyard:history"
	}
	return &RedisSink{client: client, stream: stream, maxLen: cfg.StreamMaxLen}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"session_id": rec.SessionID,
			"kind":       rec.Kind,
			"agent":      rec.Agent,
			"payload":    payload,
			"time":       rec.Time.Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("history: xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
