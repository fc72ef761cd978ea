// Package engine runs agent turns. A turn drains the agent's unread mail,
// calls the agent's model and executes the tools it asks for, looping a
// bounded number of times before handing control back to the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/dispatch"
	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/hierarchy"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/mailbox"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/models"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// Turn outcomes.
const (
	OutcomeIdle           = "idle"
	OutcomeIterationLimit = "iteration_limit"
	OutcomeShutdown       = "shutdown"
	OutcomeTerminated     = "terminated"
	OutcomeFailed         = "failed"
	OutcomeCancelled      = "cancelled"
)

// Idle notification reasons.
const (
	IdleAvailable      = "available"
	IdleIterationLimit = "iteration_limit"
)

// Defaults used when Options leaves a bound at zero.
const (
	DefaultMaxIterations = 10
	DefaultMaxHistory    = 40
	DefaultKeepHistory   = 20
)

// Options configures a Runner.
type Options struct {
	MaxIterations int
	MaxHistory    int
	KeepHistory   int
	MaxTokens     int

	Bus     *events.Bus
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Result summarizes one invocation.
type Result struct {
	Outcome    string
	Iterations int
	Usage      llm.Usage
}

// Runner is the turn state machine of one agent. Invocations of the same
// runner are serialized.
type Runner struct {
	agent hierarchy.Agent
	graph *hierarchy.Graph
	model llm.Model
	mail  *mailbox.Store
	tasks *taskstore.Store
	disp  *dispatch.Dispatcher
	opts  Options
	log   *zap.Logger

	mu      sync.Mutex
	history []llm.Message

	state      sync.Mutex
	terminated bool
	usage      llm.Usage
	turns      int
}

// NewRunner returns the runner for agent.
func NewRunner(agent hierarchy.Agent, graph *hierarchy.Graph, model llm.Model, mail *mailbox.Store,
	tasks *taskstore.Store, disp *dispatch.Dispatcher, opts Options) *Runner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.KeepHistory <= 0 || opts.KeepHistory >= opts.MaxHistory {
		opts.KeepHistory = min(DefaultKeepHistory, opts.MaxHistory/2)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/zulandar/teamyard/internal/engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		agent: agent,
		graph: graph,
		model: model,
		mail:  mail,
		tasks: tasks,
		disp:  disp,
		opts:  opts,
		log:   logger.With(zap.String("component", "engine"), zap.String("agent", agent.Name)),
	}
}

// Name returns the agent's name.
func (r *Runner) Name() string { return r.agent.Name }

// Terminate stops the runner from taking further turns.
func (r *Runner) Terminate() {
	r.state.Lock()
	defer r.state.Unlock()
	r.terminated = true
}

// Terminated reports whether the agent approved a shutdown.
func (r *Runner) Terminated() bool {
	r.state.Lock()
	defer r.state.Unlock()
	return r.terminated
}

// Usage returns the tokens consumed across all turns.
func (r *Runner) Usage() llm.Usage {
	r.state.Lock()
	defer r.state.Unlock()
	return r.usage
}

// Turns returns how many invocations did work.
func (r *Runner) Turns() int {
	r.state.Lock()
	defer r.state.Unlock()
	return r.turns
}

// History returns a copy of the conversation the agent carries between turns.
func (r *Runner) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Run executes one turn. A returned error means the turn failed; the
// Result still reports what was done before the failure.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Terminated() {
		return Result{Outcome: OutcomeTerminated}, nil
	}

	ctx, span := r.opts.Tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("agent", r.agent.Name),
		attribute.String("session_id", r.mail.SessionID()),
	))
	start := time.Now()
	r.publish(events.TurnStarted, nil)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", res.Outcome), attribute.Int("iterations", res.Iterations))
		span.End()
		r.finish(start, res, err)
	}()

	unread, err := r.mail.ReadUnread(ctx, r.agent.Name)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("engine: %s: read mail: %w", r.agent.Name, err)
	}
	if req := shutdownRequest(unread); req != nil {
		return Result{Outcome: OutcomeShutdown}, r.approveShutdown(ctx, req)
	}
	if len(unread) == 0 {
		return Result{Outcome: OutcomeIdle}, nil
	}
	r.history = append(r.history, llm.Message{Role: llm.RoleUser, Text: RenderMail(unread)})

	res.Outcome = OutcomeIdle
	for res.Iterations < r.opts.MaxIterations {
		res.Iterations++
		r.compact(ctx)

		resp, err := r.generate(ctx)
		if err != nil {
			res.Outcome = OutcomeFailed
			if ctx.Err() != nil {
				res.Outcome = OutcomeCancelled
			}
			return res, fmt.Errorf("engine: %s: generate: %w", r.agent.Name, err)
		}
		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens

		r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls})
		if resp.Text != "" {
			r.publish(events.AgentText, events.TextData{Text: resp.Text})
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, r.disp.Execute(ctx, r.agent.Name, call))
		}
		r.history = append(r.history, llm.Message{Role: llm.RoleTool, ToolResults: results})

		if r.Terminated() {
			res.Outcome = OutcomeShutdown
			return res, nil
		}
		if res.Iterations == r.opts.MaxIterations {
			res.Outcome = OutcomeIterationLimit
			break
		}

		more, err := r.mail.ReadUnread(ctx, r.agent.Name)
		if err != nil {
			res.Outcome = OutcomeFailed
			return res, fmt.Errorf("engine: %s: read mail: %w", r.agent.Name, err)
		}
		if req := shutdownRequest(more); req != nil {
			res.Outcome = OutcomeShutdown
			return res, r.approveShutdown(ctx, req)
		}
		if len(more) > 0 {
			r.history = append(r.history, llm.Message{Role: llm.RoleUser, Text: RenderMail(more)})
		}
	}

	if r.agent.Role != hierarchy.Leader && r.agent.Lead != "" {
		reason := IdleAvailable
		if res.Outcome == OutcomeIterationLimit {
			reason = IdleIterationLimit
		}
		r.send(ctx, r.agent.Lead, protocol.IdleNotification{IdleReason: reason})
	}
	return res, nil
}

func (r *Runner) generate(ctx context.Context) (*llm.Response, error) {
	visible, err := r.tasks.List(ctx, taskstore.Filter{
		Visible: func(owner string) bool { return r.graph.CanSeeTask(r.agent.Name, owner) },
	})
	if err != nil {
		return nil, err
	}
	system, err := BuildContext(ContextInput{Agent: r.agent, Graph: r.graph, Tasks: visible})
	if err != nil {
		return nil, err
	}
	return r.model.Generate(ctx, llm.Request{
		System:    system,
		Messages:  slices.Clone(r.history),
		Tools:     dispatch.Tools(),
		MaxTokens: r.opts.MaxTokens,
	})
}

// shutdownRequest returns the first shutdown request in msgs, wherever it
// sits in arrival order.
func shutdownRequest(msgs []models.Message) *protocol.Message {
	for _, m := range msgs {
		if m.Kind != mailbox.KindProtocol {
			continue
		}
		pm, err := protocol.Detect(m.Body)
		if err == nil && pm.Type() == protocol.TypeShutdownRequest {
			return pm
		}
	}
	return nil
}

// approveShutdown answers req and terminates the agent. The approval goes
// to the requester when it is an agent, otherwise to the agent's lead.
func (r *Runner) approveShutdown(ctx context.Context, req *protocol.Message) error {
	to := req.From
	if !r.graph.Has(to) || to == r.agent.Name {
		to = r.agent.Lead
	}
	r.Terminate()
	r.log.Info("shutdown approved", zap.String("requested_by", req.From))
	r.publish(events.AgentShutdown, events.SessionData{Status: "terminated", Reason: req.From + " requested shutdown"})
	if to == "" {
		return nil
	}
	return r.send(ctx, to, protocol.ShutdownApproved{})
}

func (r *Runner) send(ctx context.Context, to string, p protocol.Payload) error {
	msg := protocol.Message{From: r.agent.Name, To: to, Timestamp: time.Now().UTC(), Payload: p}
	body, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if _, err := r.mail.Append(ctx, mailbox.Envelope{
		From: r.agent.Name, To: to, Kind: mailbox.KindProtocol, Summary: protocol.Summary(msg), Body: body,
	}); err != nil {
		r.log.Warn("protocol send failed", zap.String("to", to), zap.String("type", string(p.Type())), zap.Error(err))
		return err
	}
	return nil
}

func (r *Runner) finish(start time.Time, res Result, err error) {
	d := time.Since(start)
	r.state.Lock()
	r.usage.PromptTokens += res.Usage.PromptTokens
	r.usage.CompletionTokens += res.Usage.CompletionTokens
	if res.Iterations > 0 {
		r.turns++
	}
	r.state.Unlock()

	data := events.TurnData{
		Outcome:          res.Outcome,
		Iterations:       res.Iterations,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		DurationSeconds:  d.Seconds(),
	}
	if err != nil {
		data.Error = err.Error()
		if !errors.Is(err, context.Canceled) {
			r.log.Warn("turn failed", zap.String("outcome", res.Outcome), zap.Error(err))
		}
	} else {
		r.log.Debug("turn ended", zap.String("outcome", res.Outcome), zap.Int("iterations", res.Iterations))
	}
	r.opts.Metrics.RecordTurn(res.Outcome, d)
	r.publish(events.TurnEnded, data)
}

func (r *Runner) publish(kind events.Kind, data any) {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(kind, r.agent.Name, data)
	}
}
