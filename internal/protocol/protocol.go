// Package protocol defines the structured control messages agents exchange
// inside ordinary mailbox bodies.
//
// An encoded body is a human-readable line followed by a fenced block tagged
// teamyard-protocol that carries the JSON payload:
//
//	lead approved shutdown.
//
//	```teamyard-protocol
//	{"type":"shutdown_approved","from":"lead","to":"user","timestamp":"..."}
//	```
//
// Detect also accepts a body that is nothing but a JSON object whose type is
// one of the known control types.
package protocol

import (
	"fmt"
	"time"
)

// Type names one control message variant.
type Type string

const (
	TypeShutdownRequest      Type = "shutdown_request"
	TypeShutdownApproved     Type = "shutdown_approved"
	TypeIdleNotification     Type = "idle_notification"
	TypeTaskAssignment       Type = "task_assignment"
	TypeTaskCompleted        Type = "task_completed"
	TypePlanApprovalRequest  Type = "plan_approval_request"
	TypePlanApprovalResponse Type = "plan_approval_response"
)

// Types lists every control type in a stable order.
var Types = []Type{
	TypeShutdownRequest,
	TypeShutdownApproved,
	TypeIdleNotification,
	TypeTaskAssignment,
	TypeTaskCompleted,
	TypePlanApprovalRequest,
	TypePlanApprovalResponse,
}

// Known reports whether t is one of the seven control types.
func Known(t Type) bool {
	_, ok := required[t]
	return ok
}

// Payload is the type-specific part of a control message.
type Payload interface {
	Type() Type
}

// ShutdownRequest asks the recipient to stop working.
type ShutdownRequest struct {
	Reason string `json:"reason"`
}

// ShutdownApproved acknowledges a ShutdownRequest.
type ShutdownApproved struct{}

// IdleNotification tells a lead that the sender finished its turn.
type IdleNotification struct {
	IdleReason string `json:"idleReason"`
}

// TaskAssignment tells the recipient it now owns a task.
type TaskAssignment struct {
	TaskID      int    `json:"taskId"`
	TaskSubject string `json:"taskSubject"`
}

// TaskCompleted tells a lead that a task was marked done.
type TaskCompleted struct {
	TaskID      int    `json:"taskId"`
	TaskSubject string `json:"taskSubject"`
}

// PlanApprovalRequest asks the recipient to approve a plan.
type PlanApprovalRequest struct {
	RequestID string `json:"requestId"`
	Plan      string `json:"plan"`
}

// PlanApprovalResponse answers a PlanApprovalRequest.
type PlanApprovalResponse struct {
	RequestID string `json:"requestId"`
	Approve   bool   `json:"approve"`
	Content   string `json:"content,omitempty"`
}

func (ShutdownRequest) Type() Type      { return TypeShutdownRequest }
func (ShutdownApproved) Type() Type     { return TypeShutdownApproved }
func (IdleNotification) Type() Type     { return TypeIdleNotification }
func (TaskAssignment) Type() Type       { return TypeTaskAssignment }
func (TaskCompleted) Type() Type        { return TypeTaskCompleted }
func (PlanApprovalRequest) Type() Type  { return TypePlanApprovalRequest }
func (PlanApprovalResponse) Type() Type { return TypePlanApprovalResponse }

// Message is a decoded control message.
type Message struct {
	From      string
	To        string
	Timestamp time.Time
	Payload   Payload
}

// Type returns the payload's type, or "" when Payload is nil.
func (m *Message) Type() Type {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

// Summary renders the one-line human description used as the visible part
// of an encoded body and in agent context.
func Summary(m Message) string {
	switch p := m.Payload.(type) {
	case ShutdownRequest:
		if p.Reason == "" {
			return fmt.Sprintf("%s requested shutdown.", m.From)
		}
		return fmt.Sprintf("%s requested shutdown: %s", m.From, p.Reason)
	case ShutdownApproved:
		return fmt.Sprintf("%s approved shutdown.", m.From)
	case IdleNotification:
		return fmt.Sprintf("%s is idle (%s).", m.From, p.IdleReason)
	case TaskAssignment:
		return fmt.Sprintf("%s assigned you task #%d: %s", m.From, p.TaskID, p.TaskSubject)
	case TaskCompleted:
		return fmt.Sprintf("%s completed task #%d: %s", m.From, p.TaskID, p.TaskSubject)
	case PlanApprovalRequest:
		return fmt.Sprintf("%s requests approval for plan %s: %s", m.From, p.RequestID, firstLine(p.Plan))
	case PlanApprovalResponse:
		verdict := "rejected"
		if p.Approve {
			verdict = "approved"
		}
		if p.Content == "" {
			return fmt.Sprintf("%s %s plan %s.", m.From, verdict, p.RequestID)
		}
		return fmt.Sprintf("%s %s plan %s: %s", m.From, verdict, p.RequestID, firstLine(p.Content))
	default:
		return fmt.Sprintf("%s sent a control message.", m.From)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
