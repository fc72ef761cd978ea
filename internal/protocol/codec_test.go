package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDetect_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payloads := []Payload{
		ShutdownRequest{Reason: "session ending"},
		ShutdownApproved{},
		IdleNotification{IdleReason: "available"},
		TaskAssignment{TaskID: 4, TaskSubject: "write tests"},
		TaskCompleted{TaskID: 4, TaskSubject: "write tests"},
		PlanApprovalRequest{RequestID: "plan-1", Plan: "1. draft\n2. review"},
		PlanApprovalResponse{RequestID: "plan-1", Approve: true, Content: "ship it"},
	}
	require.Len(t, payloads, len(Types))

	for _, p := range payloads {
		t.Run(string(p.Type()), func(t *testing.T) {
			in := Message{From: "lead", To: "worker", Timestamp: ts, Payload: p}
			body, err := Encode(in)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(body, Summary(in)), "body should open with the summary line")

			out, err := Detect(body)
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, in.From, out.From)
			assert.Equal(t, in.To, out.To)
			assert.True(t, in.Timestamp.Equal(out.Timestamp))
			assert.Equal(t, p, out.Payload)
		})
	}
}

func TestEncodeDetect_PayloadsWithCodeFences(t *testing.T) {
	code := "```go\nfmt.Println(\"hi\")\n```"
	payloads := []Payload{
		ShutdownRequest{Reason: "done, see " + code},
		ShutdownApproved{},
		IdleNotification{IdleReason: "blocked on " + code},
		TaskAssignment{TaskID: 2, TaskSubject: "fix " + code},
		TaskCompleted{TaskID: 2, TaskSubject: "fixed " + code},
		PlanApprovalRequest{RequestID: "r1", Plan: "Step 1:\n" + code + "\nStep 2"},
		PlanApprovalResponse{RequestID: "r1", Approve: false, Content: "use this instead:\n" + code},
	}
	require.Len(t, payloads, len(Types))

	for _, p := range payloads {
		t.Run(string(p.Type()), func(t *testing.T) {
			body, err := Encode(Message{From: "lead", To: "worker", Payload: p})
			require.NoError(t, err)

			out, err := Detect(body)
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.Equal(t, p, out.Payload)
		})
	}
}

func TestDetect_RawBackticksInBlock(t *testing.T) {
	body := "lead requests approval\n\n```teamyard-protocol\n" +
		`{"type":"plan_approval_request","from":"lead","to":"top","requestId":"r2","plan":"run ` + "```make test```" + ` first"}` +
		"\n```"
	out, err := Detect(body)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, PlanApprovalRequest{RequestID: "r2", Plan: "run ```make test``` first"}, out.Payload)
}

func TestEncode_EmptyReasonSurvives(t *testing.T) {
	body, err := Encode(Message{From: "a", To: "b", Payload: ShutdownRequest{}})
	require.NoError(t, err)

	out, err := Detect(body)
	require.NoError(t, err)
	assert.Equal(t, ShutdownRequest{}, out.Payload)
	assert.False(t, out.Timestamp.IsZero(), "Encode stamps a timestamp")
}

func TestEncode_Errors(t *testing.T) {
	_, err := Encode(Message{From: "a", To: "b"})
	assert.Error(t, err)

	_, err = Encode(Message{From: "a", Payload: ShutdownApproved{}})
	assert.Error(t, err)
}

func TestDetect_PlainText(t *testing.T) {
	for _, body := range []string{
		"",
		"Can you take task 3?",
		"{not json at all}",
		`{"type":"chat","text":"json but not a control message"}`,
		"```go\nfmt.Println(1)\n```",
	} {
		msg, err := Detect(body)
		assert.NoError(t, err, body)
		assert.Nil(t, msg, body)
	}
}

func TestDetect_BareJSON(t *testing.T) {
	msg, err := Detect(`  {"type":"idle_notification","from":"w","to":"lead","idleReason":"available"}  `)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, TypeIdleNotification, msg.Type())
	assert.Equal(t, IdleNotification{IdleReason: "available"}, msg.Payload)
}

func TestDetect_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unterminated", "hi\n```teamyard-protocol\n{\"type\":\"shutdown_approved\"", "unterminated"},
		{"bad json", "```teamyard-protocol\n{oops}\n```", "invalid JSON"},
		{"unknown type", "```teamyard-protocol\n{\"type\":\"dance\",\"from\":\"a\",\"to\":\"b\"}\n```", `unknown type "dance"`},
		{"missing from", "```teamyard-protocol\n{\"type\":\"shutdown_approved\",\"to\":\"b\"}\n```", "missing required field from"},
		{"missing payload field", "```teamyard-protocol\n{\"type\":\"task_assignment\",\"from\":\"a\",\"to\":\"b\",\"taskId\":1}\n```", "missing required field taskSubject"},
		{"null payload field", "```teamyard-protocol\n{\"type\":\"plan_approval_response\",\"from\":\"a\",\"to\":\"b\",\"requestId\":\"r\",\"approve\":null}\n```", "missing required field approve"},
		{"unknown field", "```teamyard-protocol\n{\"type\":\"shutdown_approved\",\"from\":\"a\",\"to\":\"b\",\"mood\":\"great\"}\n```", "unknown field mood"},
		{"wrong field type", "```teamyard-protocol\n{\"type\":\"task_completed\",\"from\":\"a\",\"to\":\"b\",\"taskId\":\"7\",\"taskSubject\":\"x\"}\n```", "task_completed"},
		{"bare json missing field", `{"type":"shutdown_request","from":"a","to":"b"}`, "missing required field reason"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Detect(tt.body)
			assert.Nil(t, msg)
			require.Error(t, err)
			assert.True(t, IsParseError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "lead requested shutdown: session ending",
		Summary(Message{From: "lead", Payload: ShutdownRequest{Reason: "session ending"}}))
	assert.Equal(t, "w is idle (iteration_limit).",
		Summary(Message{From: "w", Payload: IdleNotification{IdleReason: "iteration_limit"}}))
	assert.Equal(t, "lead rejected plan p1.",
		Summary(Message{From: "lead", Payload: PlanApprovalResponse{RequestID: "p1"}}))
	assert.Equal(t, "w requests approval for plan p2: step one",
		Summary(Message{From: "w", Payload: PlanApprovalRequest{RequestID: "p2", Plan: "step one\nstep two"}}))
}
