// Package events carries a session's lifecycle and activity events to live
// observers. Subscribers see only events published after they join; the bus
// keeps no history.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	SessionStarted Kind = "session_started"
	SessionIdle    Kind = "session_idle"
	SessionRunning Kind = "session_running"
	SessionStopped Kind = "session_stopped"
	NudgeSent      Kind = "nudge_sent"
	MessageSent    Kind = "message_sent"
	TaskChanged    Kind = "task_changed"
	TurnStarted    Kind = "turn_started"
	TurnEnded      Kind = "turn_ended"
	ToolCalled     Kind = "tool_called"
	AgentText      Kind = "agent_text"
	AgentFailed    Kind = "agent_failed"
	AgentShutdown  Kind = "agent_shutdown"
)

// Event is one published occurrence.
type Event struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Agent     string    `json:"agent,omitempty"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// MessageData accompanies MessageSent.
type MessageData struct {
	ID           uint   `json:"id"`
	From         string `json:"from"`
	To           string `json:"to"`
	Kind         string `json:"kind"`
	Summary      string `json:"summary"`
	Body         string `json:"body"`
	ProtocolType string `json:"protocol_type,omitempty"`
}

// TaskData accompanies TaskChanged.
type TaskData struct {
	Op   string `json:"op"`
	Task any    `json:"task"`
}

// TurnData accompanies TurnEnded.
type TurnData struct {
	Outcome          string  `json:"outcome"`
	Iterations       int     `json:"iterations"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Error            string  `json:"error,omitempty"`
}

// ToolData accompanies ToolCalled.
type ToolData struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TextData accompanies AgentText.
type TextData struct {
	Text string `json:"text"`
}

// SessionData accompanies session lifecycle events.
type SessionData struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Bus fans events out to subscribers without blocking publishers. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	sessionID string
	buffer    int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewBus returns a bus for sessionID whose subscribers buffer up to buffer
// events.
func NewBus(sessionID string, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{sessionID: sessionID, buffer: buffer, subs: make(map[int]chan Event)}
}

// Publish stamps and delivers an event. It is a no-op after Close.
func (b *Bus) Publish(kind Kind, agent string, data any) Event {
	ev := Event{
		SessionID: b.sessionID,
		Kind:      kind,
		Agent:     agent,
		Time:      time.Now().UTC(),
		Data:      data,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ev
	}
	ev.Seq = b.seq.Add(1)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return ev
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel after delivering what is buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
