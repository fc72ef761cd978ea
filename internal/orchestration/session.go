// Package orchestration schedules agent turns for a session. One loop per
// session polls every mailbox, runs a turn for each agent with unread mail,
// nudges the top leader when the team goes quiet and stops the session on
// timeout, explicit stop or when every agent has shut down.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/dispatch"
	"github.com/zulandar/teamyard/internal/engine"
	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/hierarchy"
	"github.com/zulandar/teamyard/internal/history"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/mailbox"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/models"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
)

// Synthetic senders. Neither can be an agent name.
const (
	SystemSender = "system"
	UserSender   = "user"
)

// Stop reasons.
const (
	ReasonTimeout        = "session timeout"
	ReasonAllShutdown    = "all agents shut down"
	ReasonStopped        = "stopped by user"
	ReasonServerShutdown = "server shutdown"
	ReasonStartFailed    = "start failed"
	reasonCancelled      = "cancelled"
)

// ErrStopped is returned for writes to a stopped session.
var ErrStopped = errors.New("orchestration: session is stopped")

// Session is the aggregate root of one running team.
type Session struct {
	id       string
	team     config.Team
	graph    *hierarchy.Graph
	mail     *mailbox.Store
	tasks    *taskstore.Store
	bus      *events.Bus
	disp     *dispatch.Dispatcher
	runners  map[string]*engine.Runner
	cfg      config.OrchestrationConfig
	db       *gorm.DB
	recorder *history.Recorder
	metrics  *metrics.Collector
	tracer   trace.Tracer
	log      *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	status       Status
	requested    string
	reason       string
	createdAt    time.Time
	endedAt      *time.Time
	idleSince    time.Time
	lastActivity time.Time
	nudged       bool
	failures     map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(m *Manager, id string, team config.Team, graph *hierarchy.Graph, agentModels map[string]llm.Model) *Session {
	now := m.opts.Now()
	s := &Session{
		id:           id,
		team:         team,
		graph:        graph,
		bus:          events.NewBus(id, m.opts.Config.EventBuffer),
		runners:      make(map[string]*engine.Runner, len(agentModels)),
		cfg:          m.opts.Config,
		db:           m.opts.DB,
		recorder:     m.opts.Recorder,
		metrics:      m.opts.Metrics,
		tracer:       m.opts.Tracer,
		log:          m.log.With(zap.String("session_id", id)),
		now:          m.opts.Now,
		status:       StatusRunning,
		createdAt:    now,
		lastActivity: now,
		failures:     make(map[string]int),
		done:         make(chan struct{}),
	}
	s.mail = mailbox.NewStore(s.db, id, mailbox.Options{Logger: s.log, Metrics: s.metrics, OnAppend: s.onAppend})
	s.tasks = taskstore.NewStore(s.db, id, taskstore.Options{Logger: s.log, OnChange: s.onTaskChange})
	s.disp = dispatch.New(graph, s.mail, s.tasks, dispatch.Options{
		Bus:     s.bus,
		Metrics: s.metrics,
		Logger:  s.log,
		OnShutdownApproved: func(agent string) {
			if r, ok := s.runners[agent]; ok {
				r.Terminate()
			}
		},
	})
	for _, a := range graph.Agents() {
		s.runners[a.Name] = engine.NewRunner(a, graph, agentModels[a.Name], s.mail, s.tasks, s.disp, engine.Options{
			MaxIterations: s.cfg.MaxTurnIterations,
			MaxHistory:    s.cfg.MaxHistoryMessages,
			KeepHistory:   s.cfg.KeepHistoryMessages,
			Bus:           s.bus,
			Metrics:       s.metrics,
			Logger:        s.log,
			Tracer:        s.tracer,
		})
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Team returns the declared team.
func (s *Session) Team() config.Team { return s.team }

// Graph returns the derived hierarchy.
func (s *Session) Graph() *hierarchy.Graph { return s.graph }

// Mail returns the session's mailbox store.
func (s *Session) Mail() *mailbox.Store { return s.mail }

// Tasks returns the session's task store.
func (s *Session) Tasks() *taskstore.Store { return s.tasks }

// Bus returns the session's event stream. It is closed once the session
// has stopped.
func (s *Session) Bus() *events.Bus { return s.bus }

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Runner returns the turn runner of agent.
func (s *Session) Runner(agent string) (*engine.Runner, bool) {
	r, ok := s.runners[agent]
	return r, ok
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StopReason returns why the session stopped, or "" while it runs.
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// EndedAt returns when the session stopped.
func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

func (s *Session) start(prompt string) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.bus.Publish(events.SessionStarted, "", events.SessionData{Status: string(StatusRunning)})
	s.log.Info("session started", zap.Strings("agents", s.graph.Names()), zap.String("top", s.graph.Top()))

	if prompt != "" {
		if _, err := s.Inject(ctx, "", prompt); err != nil {
			close(s.done)
			s.finish(ReasonStartFailed)
			return fmt.Errorf("orchestration: opening prompt: %w", err)
		}
	}
	go s.loop(ctx)
	return nil
}

// Inject delivers a user-originated message. An empty to addresses the top
// leader.
func (s *Session) Inject(ctx context.Context, to, body string) (models.Message, error) {
	if body == "" {
		return models.Message{}, fault.Invalid("body", "is required")
	}
	if to == "" {
		to = s.graph.Top()
	}
	if !s.graph.Has(to) {
		return models.Message{}, fault.Invalid("to", "%q is not an agent of this session", to)
	}
	if s.Status() == StatusStopped {
		return models.Message{}, ErrStopped
	}
	return s.mail.Append(ctx, mailbox.Envelope{From: UserSender, To: to, Body: body})
}

// Stop cancels in-flight turns and waits for the loop to wind down. Calling
// it again, or after the session ended on its own, only waits.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	if s.requested == "" {
		s.requested = reason
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if reason := s.poll(ctx); reason != "" {
			s.finish(reason)
			return
		}
		select {
		case <-ctx.Done():
			s.finish(s.requestedReason())
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) requestedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requested == "" {
		return reasonCancelled
	}
	return s.requested
}

// poll runs one scheduling cycle and returns a stop reason when the
// session should end.
func (s *Session) poll(ctx context.Context) string {
	if ctx.Err() != nil {
		return ""
	}
	ctx, span := s.tracer.Start(ctx, "orchestration.poll", trace.WithAttributes(attribute.String("session_id", s.id)))
	defer span.End()

	var pending []*engine.Runner
	live := 0
	for _, name := range s.graph.Names() {
		r := s.runners[name]
		if r.Terminated() {
			continue
		}
		live++
		n, err := s.mail.PeekUnreadCount(ctx, name)
		if err != nil {
			s.log.Warn("unread count failed", zap.String("agent", name), zap.Error(err))
			continue
		}
		if n > 0 {
			pending = append(pending, r)
		}
	}
	span.SetAttributes(attribute.Int("pending", len(pending)), attribute.Int("live", live))

	if live == 0 {
		return ReasonAllShutdown
	}
	if len(pending) == 0 {
		return s.idle(ctx)
	}
	s.setRunning()

	var g errgroup.Group
	if s.cfg.MaxConcurrentTurns > 0 {
		g.SetLimit(s.cfg.MaxConcurrentTurns)
	}
	for _, r := range pending {
		g.Go(func() error {
			s.runTurn(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return ""
}

// runTurn invokes one agent. Failures and panics are recorded against the
// agent and never reach the loop.
func (s *Session) runTurn(ctx context.Context, r *engine.Runner) {
	defer func() {
		if p := recover(); p != nil {
			s.recordFailure(r.Name(), "panic", fmt.Errorf("panic: %v", p))
		}
	}()

	res, err := r.Run(ctx)
	if res.Iterations > 0 || err != nil {
		data := events.TurnData{
			Outcome:          res.Outcome,
			Iterations:       res.Iterations,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
		}
		if err != nil {
			data.Error = err.Error()
		}
		s.offer(string(events.TurnEnded), r.Name(), data)
	}
	if err != nil && ctx.Err() == nil {
		s.recordFailure(r.Name(), failureClass(err), err)
	}
}

func failureClass(err error) string {
	switch {
	case fault.IsModel(err):
		return "model"
	case fault.IsStore(err):
		return "store"
	case fault.IsValidation(err):
		return "validation"
	default:
		return "internal"
	}
}

func (s *Session) recordFailure(agent, class string, err error) {
	s.mu.Lock()
	s.failures[agent]++
	s.mu.Unlock()
	s.metrics.RecordAgentFailure(class)
	s.log.Warn("agent turn failed", zap.String("agent", agent), zap.String("class", class), zap.Error(err))
	data := events.TurnData{Outcome: engine.OutcomeFailed, Error: err.Error()}
	s.bus.Publish(events.AgentFailed, agent, data)
	s.offer(string(events.AgentFailed), agent, data)
}

func (s *Session) setRunning() {
	s.mu.Lock()
	changed := s.status == StatusIdle
	s.status = StatusRunning
	s.mu.Unlock()
	if changed {
		s.bus.Publish(events.SessionRunning, "", events.SessionData{Status: string(StatusRunning)})
	}
}

// idle handles a cycle in which no agent had mail. The quiet stretch is
// measured from the later of entering idle and the last activity.
func (s *Session) idle(ctx context.Context) string {
	now := s.now()
	s.mu.Lock()
	entered := s.status == StatusRunning
	if entered {
		s.status = StatusIdle
		s.idleSince = now
	}
	since := s.idleSince
	if s.lastActivity.After(since) {
		since = s.lastActivity
	}
	quiet := now.Sub(since)
	nudge := !s.nudged && quiet >= s.cfg.NudgeInterval
	if nudge {
		s.nudged = true
	}
	s.mu.Unlock()

	if entered {
		s.log.Debug("session idle")
		s.bus.Publish(events.SessionIdle, "", events.SessionData{Status: string(StatusIdle)})
	}
	if quiet >= s.cfg.SessionTimeout {
		return ReasonTimeout
	}
	if nudge {
		s.nudge(ctx, quiet)
	}
	return ""
}

func (s *Session) nudge(ctx context.Context, quiet time.Duration) {
	top := s.graph.Top()
	if s.runners[top].Terminated() {
		s.log.Debug("top leader shut down, skipping nudge", zap.String("agent", top))
		return
	}
	body := fmt.Sprintf("The team has been idle for %s. Review the task list: delegate or unblock the remaining work, "+
		"or if everything is done, summarize the outcome for the user and stop.", quiet.Truncate(time.Millisecond))
	if _, err := s.mail.Append(ctx, mailbox.Envelope{From: SystemSender, To: top, Body: body}); err != nil {
		s.log.Warn("nudge failed", zap.String("agent", top), zap.Error(err))
		return
	}
	s.metrics.RecordNudge()
	s.log.Info("nudged top leader", zap.String("agent", top), zap.Duration("quiet", quiet))
	s.bus.Publish(events.NudgeSent, top, events.TextData{Text: body})
}

// touch records activity and re-arms the nudge.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	s.nudged = false
}

func (s *Session) onAppend(msg models.Message) {
	data := events.MessageData{
		ID:      msg.ID,
		From:    msg.FromAgent,
		To:      msg.ToAgent,
		Kind:    msg.Kind,
		Summary: msg.Summary,
		Body:    msg.Body,
	}
	if msg.Kind == mailbox.KindProtocol {
		if pm, err := protocol.Detect(msg.Body); err == nil && pm != nil {
			data.ProtocolType = string(pm.Type())
		}
	}
	s.bus.Publish(events.MessageSent, msg.FromAgent, data)
	s.offer(string(events.MessageSent), msg.FromAgent, data)
	if msg.FromAgent != SystemSender && data.ProtocolType != string(protocol.TypeIdleNotification) {
		s.touch()
	}
}

func (s *Session) onTaskChange(c taskstore.Change) {
	data := events.TaskData{Op: c.Op, Task: c.Task}
	s.bus.Publish(events.TaskChanged, c.Task.Owner, data)
	s.offer(string(events.TaskChanged), c.Task.Owner, data)
	s.touch()
}

func (s *Session) offer(kind, agent string, payload any) {
	s.recorder.Offer(history.Record{SessionID: s.id, Kind: kind, Agent: agent, Payload: payload, Time: s.now().UTC()})
}

// finish tears the session down: every agent is asked to shut down, the
// record is persisted and the event stream is closed.
func (s *Session) finish(reason string) {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range s.graph.Names() {
		msg := protocol.Message{From: SystemSender, To: name, Timestamp: s.now().UTC(), Payload: protocol.ShutdownRequest{Reason: "session ending"}}
		body, err := protocol.Encode(msg)
		if err == nil {
			_, err = s.mail.Append(ctx, mailbox.Envelope{
				From: SystemSender, To: name, Kind: mailbox.KindProtocol, Summary: protocol.Summary(msg), Body: body,
			})
		}
		if err != nil {
			s.log.Warn("shutdown request failed", zap.String("agent", name), zap.Error(err))
		}
	}

	now := s.now()
	s.mu.Lock()
	s.status = StatusStopped
	s.reason = reason
	s.endedAt = &now
	s.mu.Unlock()

	if err := s.db.WithContext(ctx).Model(&models.SessionRecord{}).Where("id = ?", s.id).Updates(map[string]any{
		"status":      string(StatusStopped),
		"stop_reason": reason,
		"ended_at":    now,
	}).Error; err != nil {
		s.log.Warn("persist session record failed", zap.Error(err))
	}

	s.metrics.SessionStopped(reason)
	data := events.SessionData{Status: string(StatusStopped), Reason: reason}
	s.bus.Publish(events.SessionStopped, "", data)
	s.offer(string(events.SessionStopped), "", data)
	s.log.Info("session stopped", zap.String("reason", reason))
	s.bus.Close()
}

// AgentStatus is one agent's live state.
type AgentStatus struct {
	hierarchy.Agent
	Terminated       bool `json:"terminated"`
	Turns            int  `json:"turns"`
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Failures         int  `json:"failures"`
	Unread           int  `json:"unread"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string        `json:"id"`
	Status     Status        `json:"status"`
	StopReason string        `json:"stop_reason,omitempty"`
	TopLeader  string        `json:"top_leader"`
	CreatedAt  time.Time     `json:"created_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Agents     []AgentStatus `json:"agents"`
}

// Info snapshots the session and every agent.
func (s *Session) Info(ctx context.Context) Info {
	s.mu.Lock()
	info := Info{
		ID:         s.id,
		Status:     s.status,
		StopReason: s.reason,
		TopLeader:  s.graph.Top(),
		CreatedAt:  s.createdAt,
		EndedAt:    s.endedAt,
	}
	failures := make(map[string]int, len(s.failures))
	for k, v := range s.failures {
		failures[k] = v
	}
	s.mu.Unlock()

	for _, a := range s.graph.Agents() {
		r := s.runners[a.Name]
		usage := r.Usage()
		unread, _ := s.mail.PeekUnreadCount(ctx, a.Name)
		info.Agents = append(info.Agents, AgentStatus{
			Agent:            a,
			Terminated:       r.Terminated(),
			Turns:            r.Turns(),
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			Failures:         failures[a.Name],
			Unread:           unread,
		})
	}
	return info
}
