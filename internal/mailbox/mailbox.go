// Package mailbox provides durable per-agent message queues for one session.
//
// Each agent's mailbox has its own lock: appends from other agents and the
// owner's drain are serialized, while operations on different mailboxes never
// block each other. Rows are written through to the database; a mailbox is
// read back in full on its first access.
package mailbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/models"
)

// Message kinds.
const (
	KindMessage   = "message"
	KindBroadcast = "broadcast"
	KindProtocol  = "protocol"
)

const summaryLen = 80

// Envelope is a message before it is appended.
type Envelope struct {
	From    string
	To      string
	Kind    string
	Summary string
	Body    string
}

// Options configures a Store.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// OnAppend runs after a message is committed, outside the mailbox lock.
	OnAppend func(models.Message)
}

// Store holds every mailbox of one session.
type Store struct {
	db        *gorm.DB
	sessionID string
	opts      Options
	logger    *zap.Logger

	mu    sync.Mutex
	boxes map[string]*box
}

type box struct {
	mu     sync.RWMutex
	loaded bool
	msgs   []models.Message
	unread int
}

// NewStore returns the mailbox store for sessionID.
func NewStore(db *gorm.DB, sessionID string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        db,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With(zap.String("component", "mailbox"), zap.String("session_id", sessionID)),
		boxes:     make(map[string]*box),
	}
}

// SessionID returns the session this store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

func (s *Store) get(agent string) *box {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[agent]
	if !ok {
		b = &box{}
		s.boxes[agent] = b
	}
	return b
}

// load reads agent's mailbox from the database. Callers hold b.mu.
func (s *Store) load(ctx context.Context, agent string, b *box) error {
	if b.loaded {
		return nil
	}
	var msgs []models.Message
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND to_agent = ?", s.sessionID, agent).
		Order("seq ASC").Find(&msgs).Error; err != nil {
		s.logger.Warn("mailbox load failed", zap.String("agent", agent), zap.Error(err))
		return &fault.StoreError{Store: "mailbox", Key: agent, Err: err}
	}
	b.msgs = msgs
	b.unread = 0
	for _, m := range msgs {
		if !m.Read {
			b.unread++
		}
	}
	b.loaded = true
	return nil
}

// loaded returns agent's box, loading it under the write lock if needed.
func (s *Store) loaded(ctx context.Context, agent string) (*box, error) {
	b := s.get(agent)
	b.mu.RLock()
	ok := b.loaded
	b.mu.RUnlock()
	if ok {
		return b, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.load(ctx, agent, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Append adds a message to the recipient's mailbox.
func (s *Store) Append(ctx context.Context, env Envelope) (models.Message, error) {
	if env.From == "" {
		return models.Message{}, fmt.Errorf("mailbox: from is required")
	}
	if env.To == "" {
		return models.Message{}, fmt.Errorf("mailbox: to is required")
	}
	if env.Kind == "" {
		env.Kind = KindMessage
	}
	if env.Summary == "" {
		env.Summary = Summarize(env.Body)
	}

	b := s.get(env.To)
	b.mu.Lock()
	if err := s.load(ctx, env.To, b); err != nil {
		b.mu.Unlock()
		return models.Message{}, err
	}
	seq := 1
	if n := len(b.msgs); n > 0 {
		seq = b.msgs[n-1].Seq + 1
	}
	msg := models.Message{
		SessionID: s.sessionID,
		ToAgent:   env.To,
		Seq:       seq,
		FromAgent: env.From,
		Kind:      env.Kind,
		Summary:   env.Summary,
		Body:      env.Body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		b.mu.Unlock()
		return models.Message{}, &fault.StoreError{Store: "mailbox", Key: env.To, Err: err}
	}
	b.msgs = append(b.msgs, msg)
	b.unread++
	b.mu.Unlock()

	s.opts.Metrics.RecordMessage(msg.Kind)
	if s.opts.OnAppend != nil {
		s.opts.OnAppend(msg)
	}
	return msg, nil
}

// ReadUnread returns agent's unread messages in append order and marks them
// read. A message is returned by at most one call.
func (s *Store) ReadUnread(ctx context.Context, agent string) ([]models.Message, error) {
	b := s.get(agent)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := s.load(ctx, agent, b); err != nil {
		return nil, err
	}
	if b.unread == 0 {
		return nil, nil
	}

	var idx []int
	var ids []uint
	for i, m := range b.msgs {
		if !m.Read {
			idx = append(idx, i)
			ids = append(ids, m.ID)
		}
	}
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id IN ?", ids).Update("is_read", true).Error; err != nil {
		return nil, &fault.StoreError{Store: "mailbox", Key: agent, Err: err}
	}

	out := make([]models.Message, 0, len(idx))
	for _, i := range idx {
		b.msgs[i].Read = true
		out = append(out, b.msgs[i])
	}
	b.unread = 0
	return out, nil
}

// PeekUnreadCount returns the number of unread messages without marking them.
func (s *Store) PeekUnreadCount(ctx context.Context, agent string) (int, error) {
	b, err := s.loaded(ctx, agent)
	if err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unread, nil
}

// ReadAll returns a copy of agent's whole mailbox, read and unread.
func (s *Store) ReadAll(ctx context.Context, agent string) ([]models.Message, error) {
	b, err := s.loaded(ctx, agent)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Message, len(b.msgs))
	copy(out, b.msgs)
	return out, nil
}

// Summarize returns the first line of body, cut to a preview length.
func Summarize(body string) string {
	line := strings.TrimSpace(body)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if r := []rune(line); len(r) > summaryLen {
		return string(r[:summaryLen-3]) + "..."
	}
	return line
}
