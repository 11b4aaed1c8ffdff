// Package agent implements the AI reasoning runtime: a step-budgeted loop of
// think / tool-call / observe turns against a pluggable model provider, with
// snapshots of the full trace for later replay and comparison.
package agent

import (
	"time"
)

// StepKind classifies one turn of the reasoning loop.
type StepKind string

const (
	StepThink    StepKind = "think"
	StepToolCall StepKind = "tool_call"
	StepObserve  StepKind = "observe"
)

// Step is one recorded turn of the loop.
type Step struct {
	Index     int       `json:"index"`
	Kind      StepKind  `json:"kind"`
	Text      string    `json:"text,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall records one tool invocation with its outcome.
type ToolCall struct {
	ToolName     string         `json:"toolName"`
	Parameters   map[string]any `json:"parameters"`
	Result       any            `json:"result,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	ResponseTime int64          `json:"responseTime"` // Milliseconds
	Timestamp    time.Time      `json:"timestamp"`
}

// LoopResult is the outcome of one reasoning loop run.
type LoopResult struct {
	Text          string     `json:"text"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
	ExecutionTime int64      `json:"executionTime"` // Milliseconds
	Steps         []Step     `json:"steps"`
	ToolCalls     []ToolCall `json:"toolCalls"`
}

// ErrBudgetExhausted is the terminal error string for a loop that ran out of
// steps before the model produced a final answer.
const ErrBudgetExhausted = "budget_exhausted"

// LoopConfig is what the loop ran with, preserved for replay.
type LoopConfig struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	MaxSteps     int      `json:"maxSteps"`
}

// Snapshot is a persisted reasoning trace.
type Snapshot struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId,omitempty"`
	Config    LoopConfig  `json:"config"`
	Result    *LoopResult `json:"result"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ReplayMode selects how a snapshot is re-run.
type ReplayMode string

const (
	// ReplayExact reconstructs the recorded run without touching the model
	// or any tool.
	ReplayExact ReplayMode = "exact"
	// ReplayAdaptive re-runs the loop fresh against current conditions.
	ReplayAdaptive ReplayMode = "adaptive"
	// ReplayDryRun re-runs the loop but skips side-effecting tools,
	// substituting recorded results where available.
	ReplayDryRun ReplayMode = "dry-run"
)
