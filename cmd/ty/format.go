package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/hierarchy"
)

// ansi maps palette names to terminal color codes.
var ansi = map[string]string{
	"blue":   "34",
	"green":  "32",
	"purple": "35",
	"orange": "33",
	"pink":   "95",
	"cyan":   "36",
	"yellow": "93",
	"red":    "31",
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// eventPrinter renders session events one line each.
type eventPrinter struct {
	out     io.Writer
	color   bool
	verbose bool
	colors  map[string]string
}

func newEventPrinter(out io.Writer, graph *hierarchy.Graph, verbose bool) *eventPrinter {
	p := &eventPrinter{out: out, color: isTerminal(out), verbose: verbose, colors: map[string]string{}}
	if graph != nil {
		for _, a := range graph.Agents() {
			p.colors[a.Name] = a.Color
		}
	}
	return p
}

func (p *eventPrinter) name(agent string) string {
	if !p.color || agent == "" {
		return agent
	}
	code, ok := ansi[p.colors[agent]]
	if !ok {
		return agent
	}
	return "\x1b[" + code + "m" + agent + "\x1b[0m"
}

// Print writes ev if it is worth showing at the current verbosity.
func (p *eventPrinter) Print(ev events.Event) {
	line, ok := p.format(ev)
	if !ok {
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", ev.Time.Format("15:04:05"), line)
}

func (p *eventPrinter) format(ev events.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case events.MessageData:
		if d.ProtocolType != "" {
			return fmt.Sprintf("%s -> %s [%s] %s", p.name(d.From), p.name(d.To), d.ProtocolType, d.Summary), true
		}
		return fmt.Sprintf("%s -> %s: %s", p.name(d.From), p.name(d.To), truncate(d.Body, 200)), true
	case events.TextData:
		if ev.Kind == events.NudgeSent {
			return "nudge: " + d.Text, true
		}
		return fmt.Sprintf("%s says: %s", p.name(ev.Agent), truncate(d.Text, 200)), true
	case events.TaskData:
		if ev.Agent == "" {
			return fmt.Sprintf("task %s: %s", d.Op, taskLabel(d.Task)), true
		}
		return fmt.Sprintf("task %s: %s (owner %s)", d.Op, taskLabel(d.Task), p.name(ev.Agent)), true
	case events.SessionData:
		if ev.Kind == events.AgentShutdown {
			return fmt.Sprintf("%s shut down (%s)", p.name(ev.Agent), d.Reason), true
		}
		if d.Reason != "" {
			return fmt.Sprintf("session %s (%s)", d.Status, d.Reason), true
		}
		return "session " + d.Status, true
	case events.TurnData:
		if ev.Kind == events.AgentFailed {
			return fmt.Sprintf("%s failed: %s", p.name(ev.Agent), d.Error), true
		}
		if !p.verbose {
			return "", false
		}
		return fmt.Sprintf("%s turn %s after %d iterations (%d/%d tokens)",
			p.name(ev.Agent), d.Outcome, d.Iterations, d.PromptTokens, d.CompletionTokens), true
	case events.ToolData:
		if !p.verbose {
			return "", false
		}
		if d.Error != "" {
			return fmt.Sprintf("%s %s -> %s: %s", p.name(ev.Agent), d.Tool, d.Status, d.Error), true
		}
		return fmt.Sprintf("%s %s -> %s", p.name(ev.Agent), d.Tool, d.Status), true
	}
	if ev.Kind == events.TurnStarted && p.verbose {
		return p.name(ev.Agent) + " turn started", true
	}
	return "", false
}

// taskLabel renders a task payload by its reference when it has one.
func taskLabel(task any) string {
	type labelled interface{ Ref() string }
	if t, ok := task.(labelled); ok {
		return t.Ref()
	}
	return fmt.Sprint(task)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
