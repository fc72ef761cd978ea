package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/llm"
)

const messageResponse = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4-20250514",
  "content": [
    {"type": "text", "text": "Creating the task."},
    {"type": "tool_use", "id": "toolu_1", "name": "TaskCreate", "input": {"subject": "draft copy"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 42, "output_tokens": 7}
}`

func TestGenerate_RoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/v1/messages")
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, messageResponse)
	}))
	defer srv.Close()

	m := New(Options{Provider: "kimi", Model: "claude-sonnet-4-20250514", APIKey: "test-key", BaseURL: srv.URL})
	resp, err := m.Generate(context.Background(), llm.Request{
		System: "You are lead.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: "[Message from user]: plan the site"},
			{Role: llm.RoleAssistant, Text: "Listing.", ToolCalls: []llm.ToolCall{{ID: "toolu_0", Name: "TaskList", Arguments: json.RawMessage(`{}`)}}},
			{Role: llm.RoleTool, ToolResults: []llm.ToolResult{{CallID: "toolu_0", Name: "TaskList", Content: "[]"}}},
			{Role: llm.RoleUser, Text: "[Message from w]: done"},
		},
		Tools: []llm.Tool{{
			Name:        "TaskCreate",
			Description: "Create a task",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"subject": map[string]any{"type": "string"}},
				"required":   []string{"subject"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Creating the task.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "TaskCreate", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"subject":"draft copy"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 42, CompletionTokens: 7}, resp.Usage)
	assert.Equal(t, llm.Info{Provider: "kimi", Name: "claude-sonnet-4-20250514"}, m.Info())

	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3, "tool result and following user text merge into one user turn")
	last := msgs[2].(map[string]any)
	assert.Equal(t, "user", last["role"])
	assert.Len(t, last["content"], 2)

	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "TaskCreate", tools[0].(map[string]any)["name"])
	assert.Equal(t, "Create a task", tools[0].(map[string]any)["description"])
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
			}))
			defer srv.Close()

			m := New(Options{Model: "claude-haiku-4-5-20251001", APIKey: "k", BaseURL: srv.URL})
			_, err := m.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}}})
			require.Error(t, err)
			assert.True(t, fault.IsModel(err))
			assert.Equal(t, tt.retryable, fault.Retryable(err))
			assert.Equal(t, 1, calls, "no automatic retry")
		})
	}
}
