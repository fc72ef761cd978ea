package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/taskstore"
)

func TestParseChatLine(t *testing.T) {
	tests := []struct {
		line, to, body string
	}{
		{"hello team", "", "hello team"},
		{"  @dev fix the build  ", "dev", "fix the build"},
		{"@dev", "dev", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		to, body := parseChatLine(tt.line)
		if to != tt.to || body != tt.body {
			t.Errorf("parseChatLine(%q) = %q, %q; want %q, %q", tt.line, to, body, tt.to, tt.body)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("line one\nline two", 100); got != "line one line two" {
		t.Errorf("truncate newline = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate long = %q", got)
	}
}

func TestEventPrinter(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		ev      events.Event
		verbose bool
		want    string
	}{
		{
			name: "chat message",
			ev:   events.Event{Kind: events.MessageSent, Agent: "lead", Data: events.MessageData{From: "lead", To: "dev", Body: "build it"}},
			want: "15:04:05 lead -> dev: build it\n",
		},
		{
			name: "protocol message",
			ev: events.Event{Kind: events.MessageSent, Agent: "dev", Data: events.MessageData{
				From: "dev", To: "lead", ProtocolType: "idle_notification", Summary: "dev is idle."}},
			want: "15:04:05 dev -> lead [idle_notification] dev is idle.\n",
		},
		{
			name: "task",
			ev:   events.Event{Kind: events.TaskChanged, Agent: "dev", Data: events.TaskData{Op: "created", Task: taskstore.Task{ID: 3, Subject: "tests"}}},
			want: "15:04:05 task created: #3 tests (owner dev)\n",
		},
		{
			name: "stopped",
			ev:   events.Event{Kind: events.SessionStopped, Data: events.SessionData{Status: "stopped", Reason: "session timeout"}},
			want: "15:04:05 session stopped (session timeout)\n",
		},
		{
			name: "agent shutdown",
			ev:   events.Event{Kind: events.AgentShutdown, Agent: "dev", Data: events.SessionData{Status: "terminated", Reason: "lead requested shutdown"}},
			want: "15:04:05 dev shut down (lead requested shutdown)\n",
		},
		{
			name: "failure",
			ev:   events.Event{Kind: events.AgentFailed, Agent: "dev", Data: events.TurnData{Outcome: "failed", Error: "boom"}},
			want: "15:04:05 dev failed: boom\n",
		},
		{
			name: "turn hidden by default",
			ev:   events.Event{Kind: events.TurnEnded, Agent: "dev", Data: events.TurnData{Outcome: "completed"}},
			want: "",
		},
		{
			name:    "turn shown verbose",
			ev:      events.Event{Kind: events.TurnEnded, Agent: "dev", Data: events.TurnData{Outcome: "completed", Iterations: 2, PromptTokens: 10, CompletionTokens: 5}},
			verbose: true,
			want:    "15:04:05 dev turn completed after 2 iterations (10/5 tokens)\n",
		},
		{
			name: "tool hidden by default",
			ev:   events.Event{Kind: events.ToolCalled, Agent: "dev", Data: events.ToolData{Tool: "TaskList", Status: "ok"}},
			want: "",
		},
		{
			name: "nudge",
			ev:   events.Event{Kind: events.NudgeSent, Agent: "lead", Data: events.TextData{Text: "status?"}},
			want: "15:04:05 nudge: status?\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := newEventPrinter(&buf, nil, tt.verbose)
			tt.ev.Time = at
			p.Print(tt.ev)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestEventPrinter_NoColorOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, nil, false)
	if p.color {
		t.Error("color enabled for a non-terminal writer")
	}
	p.colors["dev"] = "blue"
	if got := p.name("dev"); got != "dev" {
		t.Errorf("name = %q, want plain", got)
	}
	p.color = true
	if got := p.name("dev"); got != "\x1b[34mdev\x1b[0m" {
		t.Errorf("colored name = %q", got)
	}
}
