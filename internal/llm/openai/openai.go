// Package openai adapts the Chat Completions API to llm.Model. Ollama's
// OpenAI-compatible endpoint is served by the same adapter.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/llm"
)

// Options configures the adapter.
type Options struct {
	Provider  string // defaults to "openai"
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// Model wraps chat completions behind llm.Model.
type Model struct {
	client *sdk.Client
	opts   Options
}

// New creates a Model with SDK retries disabled.
func New(opts Options) *Model {
	if opts.Provider == "" {
		opts.Provider = "openai"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := sdk.NewClient(clientOpts...)
	return &Model{client: &client, opts: opts}
}

// Generate implements llm.Model.
func (m *Model) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := sdk.ChatCompletionNewParams{
		Model:               m.opts.Model,
		Messages:            buildMessages(req.System, req.Messages),
		MaxCompletionTokens: sdk.Int(maxTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, m.wrap(err)
	}

	out := &llm.Response{
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// Info implements llm.Model.
func (m *Model) Info() llm.Info {
	return llm.Info{Provider: m.opts.Provider, Name: m.opts.Model}
}

func (m *Model) wrap(err error) error {
	retryable := !errors.Is(err, context.Canceled)
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		retryable = apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return &fault.ModelError{Provider: m.opts.Provider, Model: m.opts.Model, Retryable: retryable, Err: err}
}

func buildMessages(system string, msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(msg.Text))
				continue
			}
			calls := make([]sdk.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				calls[i] = sdk.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				}
			}
			assistant := &sdk.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: calls}
			if msg.Text != "" {
				assistant.Content.OfString = sdk.String(msg.Text)
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case llm.RoleTool:
			for _, r := range msg.ToolResults {
				out = append(out, sdk.ToolMessage(r.Content, r.CallID))
			}
		default:
			out = append(out, sdk.UserMessage(msg.Text))
		}
	}
	return out
}

func buildTools(tools []llm.Tool) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		out[i] = sdk.ChatCompletionToolParam{
			Type: "function",
			Function: sdk.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				Parameters:  sdk.FunctionParameters(tool.Parameters),
			},
		}
	}
	return out
}
