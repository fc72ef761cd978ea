package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db"
	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/hierarchy"
	"github.com/zulandar/teamyard/internal/history"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/models"
	"github.com/zulandar/teamyard/internal/notify"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("orchestration: session not found")

// ModelFactory builds the model an agent talks to.
type ModelFactory interface {
	New(provider, model string) (llm.Model, error)
}

// Options configures a Manager. DB and Models are required.
type Options struct {
	Config   config.OrchestrationConfig
	DB       *gorm.DB
	Models   ModelFactory
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	Recorder *history.Recorder
	Relay    *notify.Relay
	Tracer   trace.Tracer
	NewID    func() string
	Now      func() time.Time
}

// Manager owns the sessions of this process.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	cron     *cron.Cron
}

// NewManager validates opts and returns an empty manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("orchestration: database connection is required")
	}
	if opts.Models == nil {
		return nil, fmt.Errorf("orchestration: model factory is required")
	}
	opts.Config = withDefaults(opts.Config)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/zulandar/teamyard/internal/orchestration")
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "orchestration")),
		sessions: make(map[string]*Session),
	}, nil
}

func withDefaults(c config.OrchestrationConfig) config.OrchestrationConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.NudgeInterval <= 0 {
		c.NudgeInterval = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "*/5 * * * *"
	}
	if c.RetainStopped <= 0 {
		c.RetainStopped = time.Hour
	}
	return c
}

// Create validates team, builds a model per agent, persists the session
// record and starts the session loop. The team's opening prompt, if any,
// is delivered to the top leader as a user message.
func (m *Manager) Create(ctx context.Context, team config.Team) (*Session, error) {
	return m.create(ctx, team, nil)
}

// CreateSubscribed is Create with a bus subscription taken before the
// session starts, so the caller sees every event including the opening
// prompt. The returned cancel func releases the subscription.
func (m *Manager) CreateSubscribed(ctx context.Context, team config.Team) (*Session, <-chan events.Event, func(), error) {
	var (
		ch     <-chan events.Event
		cancel func()
	)
	s, err := m.create(ctx, team, func(s *Session) {
		ch, cancel = s.bus.Subscribe()
	})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, nil, nil, err
	}
	return s, ch, cancel, nil
}

func (m *Manager) create(ctx context.Context, team config.Team, beforeStart func(*Session)) (*Session, error) {
	graph, err := hierarchy.Build(team)
	if err != nil {
		return nil, &fault.ValidationError{Field: "team", Reason: err.Error()}
	}
	agentModels := make(map[string]llm.Model, len(team.Agents))
	for _, a := range graph.Agents() {
		mdl, err := m.opts.Models.New(a.Provider, a.Model)
		if err != nil {
			return nil, fmt.Errorf("orchestration: agent %s: %w", a.Name, err)
		}
		agentModels[a.Name] = mdl
	}

	id := m.opts.NewID()
	teamJSON, err := json.Marshal(team)
	if err != nil {
		return nil, fmt.Errorf("orchestration: encode team: %w", err)
	}
	rec := models.SessionRecord{ID: id, Team: string(teamJSON), Status: string(StatusRunning), CreatedAt: m.opts.Now()}
	if err := m.opts.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, &fault.StoreError{Store: "sessions", Key: id, Err: err}
	}

	s := newSession(m, id, team, graph, agentModels)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.opts.Metrics.SessionStarted()
	if m.opts.Relay.Enabled() {
		go m.opts.Relay.Watch(context.Background(), s.bus)
	}
	if beforeStart != nil {
		beforeStart(s)
	}
	if err := s.start(team.Prompt); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a live or recently stopped session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every session held in memory, oldest first.
func (m *Manager) List(ctx context.Context) []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info(ctx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Records returns persisted session records, newest first.
func (m *Manager) Records(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	return db.ListSessions(m.opts.DB.WithContext(ctx), limit)
}

// Stop stops the session and waits for it to wind down.
func (m *Manager) Stop(id, reason string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.Stop(reason)
	return nil
}

// Purge deletes a stopped session's persisted records and forgets it.
func (m *Manager) Purge(ctx context.Context, id string) error {
	if s, ok := m.Get(id); ok {
		if s.Status() != StatusStopped {
			return fault.Invalid("session", "%s is still running", id)
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}
	if _, err := db.GetSession(m.opts.DB.WithContext(ctx), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("orchestration: purge: %w", err)
	}
	return db.PurgeSession(m.opts.DB.WithContext(ctx), id)
}

// Close stops the reaper and every running session.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ReasonServerShutdown)
		}()
	}
	wg.Wait()
}

// Reap drops stopped sessions older than retain_stopped from memory and,
// when purge_after is set, deletes persisted sessions that ended before it.
func (m *Manager) Reap(ctx context.Context) (dropped, purged int) {
	now := m.opts.Now()
	m.mu.Lock()
	for id, s := range m.sessions {
		if ended := s.EndedAt(); ended != nil && now.Sub(*ended) >= m.opts.Config.RetainStopped {
			delete(m.sessions, id)
			dropped++
		}
	}
	m.mu.Unlock()

	if m.opts.Config.PurgeAfter <= 0 {
		return dropped, 0
	}
	ids, err := db.StaleSessions(m.opts.DB.WithContext(ctx), now.Add(-m.opts.Config.PurgeAfter))
	if err != nil {
		m.log.Warn("reap: stale session lookup failed", zap.Error(err))
		return dropped, 0
	}
	for _, id := range ids {
		if _, live := m.Get(id); live {
			continue
		}
		if err := db.PurgeSession(m.opts.DB.WithContext(ctx), id); err != nil {
			m.log.Warn("reap: purge failed", zap.String("session_id", id), zap.Error(err))
			continue
		}
		purged++
	}
	return dropped, purged
}
