package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK the provider uses.
// Satisfied by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider implements ModelProvider on the Claude Messages API.
type AnthropicProvider struct {
	msg          MessagesClient
	defaultModel string
}

// NewAnthropicProvider builds a provider from a Messages client.
func NewAnthropicProvider(msg MessagesClient, defaultModel string) (*AnthropicProvider, error) {
	if msg == nil {
		return nil, errors.New("agent: anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("agent: default model identifier is required")
	}
	return &AnthropicProvider{msg: msg, defaultModel: defaultModel}, nil
}

// NewAnthropicProviderFromAPIKey constructs a provider with the default
// Anthropic HTTP client.
func NewAnthropicProviderFromAPIKey(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("agent: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicProvider(&ac.Messages, defaultModel)
}

var _ ModelProvider = (*AnthropicProvider)(nil)

// Complete issues one non-streaming Messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	params, err := p.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("agent: anthropic messages.new: %w", err)
	}
	return translateMessage(msg)
}

func (p *AnthropicProvider) encodeRequest(req *ModelRequest) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("agent: messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	for _, m := range req.Messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
		if m.ToolCallID != "" {
			blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, encodeToolResult(m.ToolResult), m.IsError))
		} else if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case "user", "":
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("agent: unsupported message role %q", m.Role)
		}
	}

	for _, def := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	return params, nil
}

func encodeToolResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func translateMessage(msg *sdk.Message) (*ModelResponse, error) {
	if msg == nil {
		return nil, errors.New("agent: anthropic response is nil")
	}

	resp := &ModelResponse{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if resp.Text != "" && block.Text != "" {
				resp.Text += "\n"
			}
			resp.Text += block.Text
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("agent: tool_use input for %s: %w", block.Name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ModelToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp, nil
}
