// Package llm is the boundary to language-model backends. A Model takes a
// system prompt, a conversation and a tool schema and returns text and/or
// tool calls. Provider adapters live in subpackages.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool entries carry ToolResults for the preceding assistant calls.
	RoleTool Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Tool exposes a callable function to the model. Parameters is a JSON
// Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized model input.
type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Usage reports token counts for one response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the normalized model output.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Info identifies a model implementation.
type Info struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// Model generates one response per call. Implementations do not retry.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Info() Info
}
