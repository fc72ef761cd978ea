package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/teamyard/internal/hierarchy"
	"github.com/zulandar/teamyard/internal/models"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// ContextInput holds everything needed to render an agent's system prompt.
type ContextInput struct {
	Agent hierarchy.Agent
	Graph *hierarchy.Graph
	Tasks []taskstore.Task
}

// BuildContext renders the system prompt for one generation: role, roster,
// connections and the agent's view of the task list.
func BuildContext(input ContextInput) (string, error) {
	if input.Graph == nil {
		return "", fmt.Errorf("engine: graph is required")
	}
	if input.Agent.Name == "" {
		return "", fmt.Errorf("engine: agent is required")
	}

	var w strings.Builder
	writeHeader(&w, input.Agent, input.Graph)
	writeRoster(&w, input.Agent, input.Graph)
	writeTasks(&w, input.Tasks)
	writeInstructions(&w, input.Agent, input.Graph)
	return w.String(), nil
}

func writeHeader(w *strings.Builder, a hierarchy.Agent, g *hierarchy.Graph) {
	switch {
	case a.Name == g.Top():
		fmt.Fprintf(w, "# You are %s, the top leader of this team.\n", a.Name)
	case a.Role == hierarchy.Leader:
		fmt.Fprintf(w, "# You are %s, a sub-leader reporting to %s.\n", a.Name, a.Lead)
	default:
		fmt.Fprintf(w, "# You are %s, a teammate reporting to %s.\n", a.Name, a.Lead)
	}
	if a.SystemPrompt != "" {
		w.WriteString("\n")
		w.WriteString(strings.TrimSpace(a.SystemPrompt))
		w.WriteString("\n")
	}
	w.WriteString("\n")
}

func writeRoster(w *strings.Builder, self hierarchy.Agent, g *hierarchy.Graph) {
	w.WriteString("## Team\n")
	for _, a := range g.Agents() {
		role := string(a.Role)
		if a.Name == g.Top() {
			role = "top leader"
		}
		line := fmt.Sprintf("- %s (%s", a.Name, role)
		if a.Lead != "" {
			line += ", reports to " + a.Lead
		}
		line += ")"
		if a.Name == self.Name {
			line += " <- you"
		}
		w.WriteString(line)
		w.WriteString("\n")
	}
	w.WriteString("\n")

	if children := g.Children(self.Name); len(children) > 0 {
		fmt.Fprintf(w, "Your direct reports: %s\n", strings.Join(children, ", "))
	}
	if len(self.Connections) > 0 {
		fmt.Fprintf(w, "Your connections (broadcast reaches exactly these): %s\n", strings.Join(self.Connections, ", "))
	}
	w.WriteString("\n")
}

func writeTasks(w *strings.Builder, tasks []taskstore.Task) {
	w.WriteString("## Tasks You Can See\n")
	if len(tasks) == 0 {
		w.WriteString("(none)\n\n")
		return
	}
	for _, t := range tasks {
		owner := t.Owner
		if owner == "" {
			owner = "unassigned"
		}
		fmt.Fprintf(w, "- #%d [%s] %s (owner: %s)", t.ID, t.Status, t.Subject, owner)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(w, " depends on %s", refs(t.DependsOn))
		}
		w.WriteString("\n")
		if t.Description != "" {
			fmt.Fprintf(w, "  %s\n", firstLine(t.Description))
		}
		if meta := formatMetadata(t.Metadata); meta != "" {
			w.WriteString(meta)
		}
	}
	w.WriteString("\n")
}

func writeInstructions(w *strings.Builder, a hierarchy.Agent, g *hierarchy.Graph) {
	w.WriteString("## How You Work\n")
	w.WriteString("New mail arrives as the latest user message, labelled [Message from X] or [Protocol: type from X].\n")
	w.WriteString("Use SendMessage to talk to other agents; plain text replies are only seen by observers.\n")
	if a.Role == hierarchy.Leader {
		w.WriteString("Break work into tasks with TaskCreate, assign them to your reports, and track them with TaskList.\n")
		w.WriteString("A task can start or finish only after every task it depends on is done.\n")
	} else {
		w.WriteString("Work the tasks you own. Mark them in_progress when you start and done when you finish.\n")
		fmt.Fprintf(w, "Report results to %s with SendMessage. When you have nothing left to do, stop calling tools.\n", a.Lead)
	}
	if a.Name == g.Top() {
		w.WriteString("When the work is complete, summarize the outcome for the user in plain text and stop.\n")
	}
	w.WriteString("If you receive a shutdown request, you are done.\n")
}

// RenderMail formats unread messages as one block of labelled entries,
// oldest first. A malformed protocol block is shown as plain text.
func RenderMail(msgs []models.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if pm, err := protocol.Detect(m.Body); err == nil && pm != nil {
			entry := fmt.Sprintf("[Protocol: %s from %s]: %s", pm.Type(), m.FromAgent, protocol.Summary(*pm))
			if detail := planDetail(pm.Payload); detail != "" {
				entry += "\n" + detail
			}
			parts = append(parts, entry)
			continue
		}
		parts = append(parts, fmt.Sprintf("[Message from %s]: %s", m.FromAgent, m.Body))
	}
	return strings.Join(parts, "\n\n")
}

// planDetail returns the full plan or review text the summary line cuts to
// its first line.
func planDetail(p protocol.Payload) string {
	var text string
	switch p := p.(type) {
	case protocol.PlanApprovalRequest:
		text = p.Plan
	case protocol.PlanApprovalResponse:
		text = p.Content
	}
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "\n") {
		return ""
	}
	return text
}

func refs(ids []int) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprintf("#%d", id)
	}
	return strings.Join(out, ", ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// formatMetadata renders task metadata as indented bullet points.
func formatMetadata(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}

	// Sort keys for deterministic output.
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		switch val := data[k].(type) {
		case string:
			fmt.Fprintf(&b, "  - %s: %s\n", k, val)
		case float64:
			if val == float64(int(val)) {
				fmt.Fprintf(&b, "  - %s: %d\n", k, int(val))
			} else {
				fmt.Fprintf(&b, "  - %s: %g\n", k, val)
			}
		case bool:
			fmt.Fprintf(&b, "  - %s: %t\n", k, val)
		default:
			nested, err := json.Marshal(val)
			if err != nil {
				fmt.Fprintf(&b, "  - %s: %v\n", k, val)
			} else {
				fmt.Fprintf(&b, "  - %s: %s\n", k, string(nested))
			}
		}
	}
	return b.String()
}
