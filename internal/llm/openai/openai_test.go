package openai

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

const completionResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o",
  "choices": [{
    "index": 0,
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "SendMessage", "arguments": "{\"to\":\"lead\",\"content\":\"done\"}"}}]
    },
    "finish_reason": "tool_calls"
  }],
  "usage": {"prompt_tokens": 30, "completion_tokens": 12, "total_tokens": 42}
}`

func TestGenerate_RoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/chat/completions")
		assert.Equal(t, "Bearer ollama", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionResponse)
	}))
	defer srv.Close()

	m := New(Options{Provider: "ollama", Model: "llama3.2:3b", APIKey: "ollama", BaseURL: srv.URL})
	resp, err := m.Generate(context.Background(), llm.Request{
		System: "You are worker.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: "[Message from lead]: write it"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_0", Name: "TaskList", Arguments: json.RawMessage(`{}`)}}},
			{Role: llm.RoleTool, ToolResults: []llm.ToolResult{{CallID: "call_0", Name: "TaskList", Content: "[]"}}},
		},
		Tools: []llm.Tool{{Name: "SendMessage", Description: "Send", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "SendMessage", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"lead","content":"done"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 30, CompletionTokens: 12}, resp.Usage)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
	assert.Equal(t, "tool", msgs[3].(map[string]any)["role"])
	assert.Equal(t, "call_0", msgs[3].(map[string]any)["tool_call_id"])
	assert.Len(t, got["tools"], 1)
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			}))
			defer srv.Close()

			m := New(Options{Model: "gpt-4o", APIKey: "k", BaseURL: srv.URL})
			_, err := m.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}}})
			require.Error(t, err)
			assert.True(t, fault.IsModel(err))
			assert.Equal(t, tt.retryable, fault.Retryable(err))
		})
	}
}
