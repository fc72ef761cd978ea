// Package notify relays selected session events to chat channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/events"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Message is one outbound chat post.
type Message struct {
	Text   string
	Events []FormattedEvent
}

// FormattedEvent is a rich card rendered by each channel in its own style.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string
	Color    string
	Fields   []Field
}

// Field is a labelled value on a card.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier posts messages to one chat destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// Format renders an event as a card. The second result is false for kinds
// that have no chat rendering.
func Format(ev events.Event) (FormattedEvent, bool) {
	var out FormattedEvent
	switch ev.Kind {
	case events.SessionStarted:
		out.Title = "Session started"
		out.Severity = "info"
	case events.SessionIdle:
		out.Title = "Session idle"
		out.Body = "No agent has unread mail."
		out.Severity = "warning"
	case events.SessionRunning:
		out.Title = "Session running"
		out.Severity = "info"
	case events.SessionStopped:
		out.Title = "Session stopped"
		out.Severity = "success"
		if d, ok := ev.Data.(events.SessionData); ok && d.Reason != "" {
			out.Body = d.Reason
		}
	case events.NudgeSent:
		out.Title = "Top leader nudged"
		out.Severity = "info"
	case events.AgentFailed:
		out.Title = fmt.Sprintf("Agent %s failed", ev.Agent)
		out.Severity = "error"
		switch d := ev.Data.(type) {
		case events.TurnData:
			out.Body = d.Error
		case events.SessionData:
			out.Body = d.Reason
		}
	case events.AgentShutdown:
		out.Title = fmt.Sprintf("Agent %s shut down", ev.Agent)
		out.Severity = "info"
	case events.TaskChanged:
		d, ok := ev.Data.(events.TaskData)
		if !ok {
			return out, false
		}
		out.Title = "Task " + d.Op
		out.Severity = "info"
		out.Body = fmt.Sprintf("%v", d.Task)
	default:
		return out, false
	}
	out.Color = severityColor(out.Severity)
	out.Fields = append(out.Fields, Field{Name: "Session", Value: ev.SessionID, Short: true})
	if ev.Agent != "" {
		out.Fields = append(out.Fields, Field{Name: "Agent", Value: ev.Agent, Short: true})
	}
	return out, true
}

// Relay forwards configured event kinds from a session bus to notifiers.
type Relay struct {
	kinds     map[events.Kind]bool
	notifiers []Notifier
	log       *zap.Logger

	mu     sync.Mutex
	sent   int
	failed int
}

// NewRelay returns a relay for the given kinds. An empty kinds list relays
// nothing.
func NewRelay(kinds []string, logger *zap.Logger, notifiers ...Notifier) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := make(map[events.Kind]bool, len(kinds))
	for _, name := range kinds {
		k[events.Kind(strings.TrimSpace(name))] = true
	}
	return &Relay{kinds: k, notifiers: notifiers, log: logger.With(zap.String("component", "notify"))}
}

// Enabled reports whether the relay has anywhere to send.
func (r *Relay) Enabled() bool { return r != nil && len(r.notifiers) > 0 && len(r.kinds) > 0 }

// Watch subscribes to bus and relays until ctx ends or the bus closes.
// It blocks; callers run it in a goroutine.
func (r *Relay) Watch(ctx context.Context, bus *events.Bus) {
	if !r.Enabled() || bus == nil {
		return
	}
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle posts one event to every notifier when its kind is relayed.
// Delivery failures are logged and never returned.
func (r *Relay) Handle(ctx context.Context, ev events.Event) {
	if !r.kinds[ev.Kind] {
		return
	}
	card, ok := Format(ev)
	if !ok {
		return
	}
	msg := Message{Text: card.Title, Events: []FormattedEvent{card}}
	for _, n := range r.notifiers {
		err := n.Send(ctx, msg)
		r.mu.Lock()
		if err != nil {
			r.failed++
		} else {
			r.sent++
		}
		r.mu.Unlock()
		if err != nil {
			r.log.Warn("relay failed", zap.String("notifier", n.Name()), zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

// Stats returns delivered and failed post counts.
func (r *Relay) Stats() (sent, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent, r.failed
}

// Close closes every notifier.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	var errs []string
	for _, n := range r.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, n.Name()+": "+err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: close: %s", strings.Join(errs, "; "))
	}
	return nil
}
