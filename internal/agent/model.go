package agent

import "context"

// Message is one turn of the provider conversation. Tool results are user
// turns carrying a ToolCallID.
type Message struct {
	Role       string          `json:"role"` // "user" or "assistant"
	Text       string          `json:"text,omitempty"`
	ToolCalls  []ModelToolCall `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolResult any             `json:"toolResult,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// ModelToolCall is a tool invocation requested by the model.
type ModelToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ModelRequest is one completion request.
type ModelRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
}

// ModelResponse is the provider's answer: assistant text plus zero or more
// requested tool calls. No tool calls means a terminal answer.
type ModelResponse struct {
	Text       string
	ToolCalls  []ModelToolCall
	StopReason string
}

// ModelProvider abstracts the LLM backend so the loop can be tested with a
// scripted fake.
type ModelProvider interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}
