// Package dispatch executes the tools an agent turn may call. Every call is
// checked against the caller's place in the hierarchy before it touches the
// mailbox or task store. Failures come back as error results for the model;
// they never abort the turn.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/hierarchy"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/mailbox"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// Tool names.
const (
	ToolSendMessage = "SendMessage"
	ToolTaskCreate  = "TaskCreate"
	ToolTaskUpdate  = "TaskUpdate"
	ToolTaskList    = "TaskList"
	ToolTaskGet     = "TaskGet"
)

// Options configures a Dispatcher. All fields are optional.
type Options struct {
	Bus     *events.Bus
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// OnShutdownApproved runs when an agent approves a shutdown through
	// SendMessage.
	OnShutdownApproved func(agent string)
	// NewRequestID generates plan approval request ids.
	NewRequestID func() string
	Now          func() time.Time
}

// Dispatcher is stateless apart from its references to the session's
// stores; it is safe for concurrent use by every agent of the session.
type Dispatcher struct {
	graph  *hierarchy.Graph
	mail   *mailbox.Store
	tasks  *taskstore.Store
	opts   Options
	logger *zap.Logger
}

// New returns a dispatcher for one session.
func New(graph *hierarchy.Graph, mail *mailbox.Store, tasks *taskstore.Store, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = newRequestID
	}
	return &Dispatcher{
		graph:  graph,
		mail:   mail,
		tasks:  tasks,
		opts:   opts,
		logger: logger.With(zap.String("component", "dispatch")),
	}
}

// Execute runs one tool call on behalf of caller. The result is always
// returned; IsError marks failures.
func (d *Dispatcher) Execute(ctx context.Context, caller string, call llm.ToolCall) llm.ToolResult {
	res := llm.ToolResult{CallID: call.ID, Name: call.Name}

	out, err := d.run(ctx, caller, call)
	if err == nil {
		data, merr := json.Marshal(out)
		if merr != nil {
			err = fmt.Errorf("dispatch: encode result: %w", merr)
		} else {
			res.Content = string(data)
		}
	}

	status := "ok"
	data := events.ToolData{Tool: call.Name, Status: status}
	if err != nil {
		status = "error"
		res.IsError = true
		res.Content = "Error: " + err.Error()
		data.Status, data.Error = status, err.Error()
		level := zap.DebugLevel
		if !fault.IsValidation(err) {
			level = zap.WarnLevel
		}
		d.logger.Log(level, "tool call failed",
			zap.String("agent", caller), zap.String("tool", call.Name), zap.Error(err))
	}
	d.opts.Metrics.RecordToolCall(call.Name, status)
	d.publish(events.ToolCalled, caller, data)
	return res
}

func (d *Dispatcher) run(ctx context.Context, caller string, call llm.ToolCall) (any, error) {
	if !d.graph.Has(caller) {
		return nil, fault.Invalid("caller", "unknown agent %q", caller)
	}
	switch call.Name {
	case ToolSendMessage:
		var args sendArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return nil, err
		}
		return d.sendMessage(ctx, caller, args)
	case ToolTaskCreate:
		var args createArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return nil, err
		}
		return d.taskCreate(ctx, caller, args)
	case ToolTaskUpdate:
		var args updateArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return nil, err
		}
		return d.taskUpdate(ctx, caller, args)
	case ToolTaskList:
		var args listArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return nil, err
		}
		return d.taskList(ctx, caller, args)
	case ToolTaskGet:
		var args getArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return nil, err
		}
		return d.taskGet(ctx, caller, args)
	default:
		return nil, fault.Invalid("tool", "unknown tool %q", call.Name)
	}
}

func (d *Dispatcher) publish(kind events.Kind, agent string, data any) {
	if d.opts.Bus != nil {
		d.opts.Bus.Publish(kind, agent, data)
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var ve *fault.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return fault.Invalid("arguments", "%v", err)
	}
	return nil
}
