package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestAnthropicCompleteText(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	p, err := NewAnthropicProvider(stub, "claude-sonnet-4-5")
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), &ModelRequest{
		SystemPrompt: "be terse",
		Messages:     []Message{{Role: "user", Text: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "world", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)

	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be terse", stub.lastParams.System[0].Text)
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.EqualValues(t, defaultMaxTokens, stub.lastParams.MaxTokens)
}

func TestAnthropicCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "tc_1", Name: "get_balance", Input: json.RawMessage(`{"wallet":"0xa"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	p, err := NewAnthropicProvider(stub, "claude-sonnet-4-5")
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), &ModelRequest{
		Messages: []Message{{Role: "user", Text: "balance?"}},
		Tools: []ToolDefinition{{
			Name:        "get_balance",
			Description: "Read a wallet balance",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "let me check", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_balance", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"wallet": "0xa"}, resp.ToolCalls[0].Input)
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestAnthropicEncodesToolResults(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
	}}
	p, err := NewAnthropicProvider(stub, "claude-sonnet-4-5")
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), &ModelRequest{
		Messages: []Message{
			{Role: "user", Text: "balance?"},
			{Role: "assistant", Text: "checking", ToolCalls: []ModelToolCall{
				{ID: "tc_1", Name: "get_balance", Input: map[string]any{}},
			}},
			{Role: "user", ToolCallID: "tc_1", ToolResult: map[string]any{"balance": "42"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, stub.lastParams.Messages, 3)
}

func TestAnthropicErrors(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("overloaded")}
	p, _ := NewAnthropicProvider(stub, "claude-sonnet-4-5")

	_, err := p.Complete(context.Background(), &ModelRequest{
		Messages: []Message{{Role: "user", Text: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")

	_, err = p.Complete(context.Background(), &ModelRequest{})
	require.Error(t, err)

	_, err = NewAnthropicProvider(nil, "m")
	require.Error(t, err)
}
