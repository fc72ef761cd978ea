package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// compact drops older history once it exceeds MaxHistory, keeping the most
// recent KeepHistory entries behind a marker that lists open tasks. The kept
// window always starts at a user entry so tool results never lose the call
// they answer.
func (r *Runner) compact(ctx context.Context) {
	if len(r.history) <= r.opts.MaxHistory {
		return
	}
	start := len(r.history) - r.opts.KeepHistory
	for start < len(r.history) && r.history[start].Role != llm.RoleUser {
		start++
	}
	if start >= len(r.history) {
		// No user entry in the window; fall back to the newest one.
		start = len(r.history) - 1
		for start > 0 && r.history[start].Role != llm.RoleUser {
			start--
		}
	}
	dropped := start

	open, err := r.tasks.List(ctx, taskstore.Filter{
		Visible: func(owner string) bool { return r.graph.CanSeeTask(r.agent.Name, owner) },
	})
	if err != nil {
		r.log.Debug("compaction task lookup failed", zap.Error(err))
	}
	marker := llm.Message{Role: llm.RoleUser, Text: CompactionMarker(dropped, open)}

	kept := make([]llm.Message, 0, len(r.history)-start+1)
	kept = append(kept, marker)
	kept = append(kept, r.history[start:]...)
	r.history = kept
	r.log.Debug("history compacted", zap.Int("dropped", dropped), zap.Int("kept", len(kept)))
}

// CompactionMarker is the note that replaces dropped history.
func CompactionMarker(dropped int, tasks []taskstore.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Context compacted: %d earlier messages were removed.]", dropped)
	var refs []string
	for _, t := range tasks {
		if t.Open() {
			refs = append(refs, fmt.Sprintf("#%d %s (%s)", t.ID, t.Subject, t.Status))
		}
	}
	if len(refs) > 0 {
		b.WriteString(" Open tasks: ")
		b.WriteString(strings.Join(refs, "; "))
		b.WriteString(".")
	}
	return b.String()
}
