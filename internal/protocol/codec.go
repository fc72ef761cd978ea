package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	fenceOpen  = "```teamyard-protocol"
	fenceClose = "```"
)

// required lists the payload keys each type must carry, beyond the envelope
// keys type, from and to.
var required = map[Type][]string{
	TypeShutdownRequest:      {"reason"},
	TypeShutdownApproved:     {},
	TypeIdleNotification:     {"idleReason"},
	TypeTaskAssignment:       {"taskId", "taskSubject"},
	TypeTaskCompleted:        {"taskId", "taskSubject"},
	TypePlanApprovalRequest:  {"requestId", "plan"},
	TypePlanApprovalResponse: {"requestId", "approve"},
}

var optional = map[Type][]string{
	TypePlanApprovalResponse: {"content"},
}

var envelopeKeys = []string{"type", "from", "to", "timestamp"}

// ParseError reports a body that carries a protocol marker but whose payload
// cannot be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Encode renders m as a mailbox body.
func Encode(m Message) (string, error) {
	if m.Payload == nil {
		return "", fmt.Errorf("protocol: encode: payload is required")
	}
	if m.From == "" || m.To == "" {
		return "", fmt.Errorf("protocol: encode %s: from and to are required", m.Payload.Type())
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	fields, err := json.Marshal(m.Payload)
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", m.Payload.Type(), err)
	}
	var obj map[string]any
	if err := json.Unmarshal(fields, &obj); err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", m.Payload.Type(), err)
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	obj["type"] = string(m.Payload.Type())
	obj["from"] = m.From
	obj["to"] = m.To
	obj["timestamp"] = m.Timestamp.Format(time.RFC3339Nano)

	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", m.Payload.Type(), err)
	}
	// Backticks inside strings would end the fence early.
	data = bytes.ReplaceAll(data, []byte("`"), []byte(`\u0060`))
	return Summary(m) + "\n\n" + fenceOpen + "\n" + string(data) + "\n" + fenceClose, nil
}

// Detect looks for a control message in body. It returns (nil, nil) when
// body is plain text, a *ParseError when a marker is present but the
// payload is malformed, and the decoded message otherwise.
func Detect(body string) (*Message, error) {
	if start := strings.Index(body, fenceOpen); start >= 0 {
		rest := body[start+len(fenceOpen):]
		end := strings.LastIndex(rest, "\n"+fenceClose)
		if end < 0 {
			return nil, &ParseError{Reason: "unterminated protocol block"}
		}
		return decode([]byte(strings.TrimSpace(rest[:end])))
	}

	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, nil
	}
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil || !Known(probe.Type) {
		return nil, nil
	}
	return decode([]byte(trimmed))
}

func decode(data []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "invalid JSON", Err: err}
	}

	var typName string
	if err := unmarshalField(raw, "type", &typName); err != nil {
		return nil, err
	}
	typ := Type(typName)
	keys, ok := required[typ]
	if !ok {
		return nil, &ParseError{Reason: fmt.Sprintf("unknown type %q", typ)}
	}

	m := &Message{}
	if err := unmarshalField(raw, "from", &m.From); err != nil {
		return nil, err
	}
	if err := unmarshalField(raw, "to", &m.To); err != nil {
		return nil, err
	}
	if ts, ok := raw["timestamp"]; ok && !isNull(ts) {
		if err := json.Unmarshal(ts, &m.Timestamp); err != nil {
			return nil, &ParseError{Reason: "field timestamp", Err: err}
		}
	}

	allowed := make(map[string]bool)
	for _, k := range envelopeKeys {
		allowed[k] = true
	}
	for _, k := range keys {
		allowed[k] = true
		if v, ok := raw[k]; !ok || isNull(v) {
			return nil, &ParseError{Reason: fmt.Sprintf("%s: missing required field %s", typ, k)}
		}
	}
	for _, k := range optional[typ] {
		allowed[k] = true
	}
	for k := range raw {
		if !allowed[k] {
			return nil, &ParseError{Reason: fmt.Sprintf("%s: unknown field %s", typ, k)}
		}
	}

	payload, err := decodePayload(typ, data)
	if err != nil {
		return nil, &ParseError{Reason: string(typ), Err: err}
	}
	m.Payload = payload
	return m, nil
}

func decodePayload(typ Type, data []byte) (Payload, error) {
	switch typ {
	case TypeShutdownRequest:
		var p ShutdownRequest
		err := json.Unmarshal(data, &p)
		return p, err
	case TypeShutdownApproved:
		return ShutdownApproved{}, nil
	case TypeIdleNotification:
		var p IdleNotification
		err := json.Unmarshal(data, &p)
		return p, err
	case TypeTaskAssignment:
		var p TaskAssignment
		err := json.Unmarshal(data, &p)
		return p, err
	case TypeTaskCompleted:
		var p TaskCompleted
		err := json.Unmarshal(data, &p)
		return p, err
	case TypePlanApprovalRequest:
		var p PlanApprovalRequest
		err := json.Unmarshal(data, &p)
		return p, err
	case TypePlanApprovalResponse:
		var p PlanApprovalResponse
		err := json.Unmarshal(data, &p)
		return p, err
	}
	return nil, fmt.Errorf("unknown type %q", typ)
}

func unmarshalField(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok || isNull(v) {
		return &ParseError{Reason: "missing required field " + key}
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return &ParseError{Reason: "field " + key, Err: err}
	}
	if *dst == "" {
		return &ParseError{Reason: "empty field " + key}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
