package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/mailbox"
	"github.com/zulandar/teamyard/internal/protocol"
)

// SendMessage kinds beyond the protocol types themselves.
const (
	kindMessage          = "message"
	kindBroadcast        = "broadcast"
	kindShutdownResponse = "shutdown_response"
	broadcastTarget      = "broadcast"
)

type sendResult struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
	RequestID  string   `json:"request_id,omitempty"`
}

func (d *Dispatcher) sendMessage(ctx context.Context, caller string, a sendArgs) (any, error) {
	kind := strings.TrimSpace(a.Kind)
	if kind == "" {
		kind = kindMessage
	}
	to := strings.TrimSpace(a.To)
	if kind == kindMessage && to == broadcastTarget {
		kind = kindBroadcast
	}

	switch kind {
	case kindBroadcast:
		return d.broadcast(ctx, caller, a)
	case kindMessage:
		if strings.TrimSpace(a.Content) == "" {
			return nil, fault.Invalid("content", "is required")
		}
		if err := d.checkRecipient(caller, to); err != nil {
			return nil, err
		}
		if _, err := d.mail.Append(ctx, mailbox.Envelope{
			From: caller, To: to, Kind: mailbox.KindMessage, Summary: a.Summary, Body: a.Content,
		}); err != nil {
			return nil, err
		}
		return sendResult{Success: true, Message: "Message sent to " + to, Recipients: []string{to}}, nil

	case string(protocol.TypeShutdownRequest):
		if err := d.checkRecipient(caller, to); err != nil {
			return nil, err
		}
		if err := d.sendProtocol(ctx, caller, to, protocol.ShutdownRequest{Reason: a.Content}); err != nil {
			return nil, err
		}
		return sendResult{Success: true, Message: "Shutdown request sent to " + to, Recipients: []string{to}}, nil

	case kindShutdownResponse, string(protocol.TypeShutdownApproved):
		if to == "" {
			to = d.graph.Lead(caller)
		}
		if err := d.checkRecipient(caller, to); err != nil {
			return nil, err
		}
		if kind == kindShutdownResponse && a.Approve != nil && !*a.Approve {
			body := "Shutdown rejected."
			if a.Content != "" {
				body = "Shutdown rejected: " + a.Content
			}
			if _, err := d.mail.Append(ctx, mailbox.Envelope{From: caller, To: to, Kind: mailbox.KindMessage, Body: body}); err != nil {
				return nil, err
			}
			return sendResult{Success: true, Message: "Shutdown rejection sent to " + to, Recipients: []string{to}}, nil
		}
		if err := d.sendProtocol(ctx, caller, to, protocol.ShutdownApproved{}); err != nil {
			return nil, err
		}
		if d.opts.OnShutdownApproved != nil {
			d.opts.OnShutdownApproved(caller)
		}
		return sendResult{Success: true, Message: "Shutdown approved; you will not be scheduled again.", Recipients: []string{to}}, nil

	case string(protocol.TypePlanApprovalRequest):
		if strings.TrimSpace(a.Content) == "" {
			return nil, fault.Invalid("content", "plan text is required")
		}
		if to == "" {
			to = d.graph.Lead(caller)
		}
		if err := d.checkRecipient(caller, to); err != nil {
			return nil, err
		}
		id := a.RequestID
		if id == "" {
			id = d.opts.NewRequestID()
		}
		if err := d.sendProtocol(ctx, caller, to, protocol.PlanApprovalRequest{RequestID: id, Plan: a.Content}); err != nil {
			return nil, err
		}
		return sendResult{Success: true, Message: "Plan sent to " + to + " for approval", Recipients: []string{to}, RequestID: id}, nil

	case string(protocol.TypePlanApprovalResponse):
		if a.RequestID == "" {
			return nil, fault.Invalid("request_id", "is required for plan_approval_response")
		}
		if a.Approve == nil {
			return nil, fault.Invalid("approve", "is required for plan_approval_response")
		}
		if err := d.checkRecipient(caller, to); err != nil {
			return nil, err
		}
		p := protocol.PlanApprovalResponse{RequestID: a.RequestID, Approve: *a.Approve, Content: a.Content}
		if err := d.sendProtocol(ctx, caller, to, p); err != nil {
			return nil, err
		}
		return sendResult{Success: true, Message: "Plan response sent to " + to, Recipients: []string{to}, RequestID: a.RequestID}, nil

	default:
		return nil, fault.Invalid("kind", "unknown message kind %q", kind)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, caller string, a sendArgs) (any, error) {
	if strings.TrimSpace(a.Content) == "" {
		return nil, fault.Invalid("content", "is required")
	}
	targets := d.graph.BroadcastTargets(caller)
	if len(targets) == 0 {
		return nil, fault.Invalid("to", "%s has no connections to broadcast to", caller)
	}
	for _, to := range targets {
		if _, err := d.mail.Append(ctx, mailbox.Envelope{
			From: caller, To: to, Kind: mailbox.KindBroadcast, Summary: a.Summary, Body: a.Content,
		}); err != nil {
			return nil, fmt.Errorf("dispatch: broadcast to %s: %w", to, err)
		}
	}
	return sendResult{
		Success:    true,
		Message:    fmt.Sprintf("Broadcast sent to %d connections", len(targets)),
		Recipients: targets,
	}, nil
}

// checkRecipient enforces the messaging rights of caller.
func (d *Dispatcher) checkRecipient(caller, to string) error {
	switch {
	case to == "":
		return fault.Invalid("to", "is required")
	case to == "user":
		return fault.Invalid("to", "user is not a mailbox; reply in plain text instead")
	case to == caller:
		return fault.Invalid("to", "cannot message yourself")
	case !d.graph.Has(to):
		return fault.Invalid("to", "unknown agent %q", to)
	case !d.graph.CanMessage(caller, to):
		return fault.Invalid("to", "%s cannot message %s; reach them through your lead", caller, to)
	}
	return nil
}

func (d *Dispatcher) sendProtocol(ctx context.Context, from, to string, p protocol.Payload) error {
	msg := protocol.Message{From: from, To: to, Timestamp: d.opts.Now().UTC(), Payload: p}
	body, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	_, err = d.mail.Append(ctx, mailbox.Envelope{
		From: from, To: to, Kind: mailbox.KindProtocol, Summary: protocol.Summary(msg), Body: body,
	})
	return err
}
