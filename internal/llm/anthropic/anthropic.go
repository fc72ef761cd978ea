// Package anthropic adapts the Anthropic Messages API to llm.Model. The same
// adapter serves Anthropic-compatible endpoints such as Kimi through
// Options.BaseURL.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/zulandar/teamyard/internal/fault"
	"github.com/zulandar/teamyard/internal/llm"
)

// Options configures the adapter.
type Options struct {
	Provider  string // reported in Info and errors; defaults to "anthropic"
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// Model wraps the Messages API behind llm.Model.
type Model struct {
	client *sdk.Client
	opts   Options
}

// New creates a Model. SDK-level retries are disabled; a failed request
// surfaces to the caller unchanged.
func New(opts Options) *Model {
	if opts.Provider == "" {
		opts.Provider = "anthropic"
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
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.opts.Model),
		Messages:  buildMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, m.wrap(err)
	}

	out := &llm.Response{
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if t := block.AsText().Text; t != "" {
				text = append(text, t)
			}
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil || len(args) == 0 || string(args) == "null" {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: args})
		}
	}
	out.Text = strings.Join(text, "\n")
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

// buildMessages converts the conversation, folding tool results into user
// turns and merging consecutive turns of the same role.
func buildMessages(msgs []llm.Message) []sdk.MessageParam {
	var out []sdk.MessageParam
	push := func(role sdk.MessageParamRole, blocks []sdk.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		if role == sdk.MessageParamRoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}

	for _, msg := range msgs {
		var blocks []sdk.ContentBlockParamUnion
		switch msg.Role {
		case llm.RoleAssistant:
			if msg.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				var input any = json.RawMessage("{}")
				if len(tc.Arguments) > 0 && json.Valid(tc.Arguments) {
					input = tc.Arguments
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			push(sdk.MessageParamRoleAssistant, blocks)
		case llm.RoleTool:
			for _, r := range msg.ToolResults {
				blocks = append(blocks, sdk.NewToolResultBlock(r.CallID, r.Content, r.IsError))
			}
			push(sdk.MessageParamRoleUser, blocks)
		default:
			if msg.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Text))
			}
			push(sdk.MessageParamRoleUser, blocks)
		}
	}
	return out
}

func buildTools(tools []llm.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := sdk.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := tool.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := tool.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		out[i] = sdk.ToolUnionParamOfTool(schema, tool.Name)
		if out[i].OfTool != nil && tool.Description != "" {
			out[i].OfTool.Description = sdk.String(tool.Description)
		}
	}
	return out
}
