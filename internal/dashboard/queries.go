package dashboard

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/models"
	"github.com/zulandar/teamyard/internal/protocol"
	"github.com/zulandar/teamyard/internal/taskstore"
)

// MessageView is a mailbox entry as the API shows it.
type MessageView struct {
	ID           uint      `json:"id"`
	Seq          int       `json:"seq"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Kind         string    `json:"kind"`
	Summary      string    `json:"summary"`
	Body         string    `json:"body"`
	Read         bool      `json:"read"`
	ProtocolType string    `json:"protocol_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func messageViews(msgs []models.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := MessageView{
			ID:        m.ID,
			Seq:       m.Seq,
			From:      m.FromAgent,
			To:        m.ToAgent,
			Kind:      m.Kind,
			Summary:   m.Summary,
			Body:      m.Body,
			Read:      m.Read,
			CreatedAt: m.CreatedAt,
		}
		if pm, err := protocol.Detect(m.Body); err == nil && pm != nil {
			v.ProtocolType = string(pm.Type())
		}
		out = append(out, v)
	}
	return out
}

// RecordView is a persisted session with its team decoded.
type RecordView struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	StopReason string       `json:"stop_reason,omitempty"`
	Agents     []string     `json:"agents"`
	Team       *config.Team `json:"team,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
}

func recordViews(recs []models.SessionRecord) []RecordView {
	out := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		v := RecordView{ID: r.ID, Status: r.Status, StopReason: r.StopReason, CreatedAt: r.CreatedAt, EndedAt: r.EndedAt}
		var team config.Team
		if err := json.Unmarshal([]byte(r.Team), &team); err == nil {
			v.Team = &team
			for _, a := range team.Agents {
				v.Agents = append(v.Agents, a.Name)
			}
		}
		out = append(out, v)
	}
	return out
}

// taskFilter reads ?status= and ?owner= from the query. An empty owner
// selects unassigned tasks.
func taskFilter(c *gin.Context) (taskstore.Filter, error) {
	var f taskstore.Filter
	if v := c.Query("status"); v != "" {
		st := taskstore.Status(v)
		if !st.Valid() {
			return f, fault.Invalid("status", "%q is not a task status", v)
		}
		f.Status = st
	}
	if v, ok := c.GetQuery("owner"); ok {
		f.Owner = v
		f.OwnerSet = true
	}
	return f, nil
}
