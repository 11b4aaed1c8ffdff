package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbirch/weft/internal/idgen"
	"github.com/mbirch/weft/internal/metrics"
)

// Runner drives the think / tool-call / observe loop.
type Runner struct {
	provider  ModelProvider
	toolbox   *Toolbox
	model     string
	snapshots SnapshotStore // Optional; nil disables trace persistence
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSnapshots enables trace persistence.
func WithSnapshots(store SnapshotStore) RunnerOption {
	return func(r *Runner) { r.snapshots = store }
}

// NewRunner creates a reasoning loop runner.
func NewRunner(provider ModelProvider, toolbox *Toolbox, model string, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider: provider,
		toolbox:  toolbox,
		model:    model,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunLoop executes the reasoning loop and returns the result as a generic
// map so the workflow engine can store and template over it.
func (r *Runner) RunLoop(ctx context.Context, prompt, systemPrompt string, toolNames []string, maxSteps int) (map[string]any, error) {
	cfg := LoopConfig{
		Model:        r.model,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Tools:        toolNames,
		MaxSteps:     maxSteps,
	}
	result, err := r.run(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}

	if r.snapshots != nil {
		snap := &Snapshot{
			ID:        idgen.WithPrefix("snap_"),
			Config:    cfg,
			Result:    result,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.snapshots.Create(ctx, snap); err != nil {
			r.logger.Warn("agent: snapshot persist failed", "snapshot_id", snap.ID, "error", err)
		}
	}

	return resultMap(result), nil
}

// toolOverride lets replay modes intercept tool execution.
type toolOverride func(ctx context.Context, tool Tool, params map[string]any) (any, error, bool)

func (r *Runner) run(ctx context.Context, cfg LoopConfig, override toolOverride) (*LoopResult, error) {
	tools, err := r.toolbox.Select(cfg.Tools)
	if err != nil {
		return nil, err
	}
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = ToolDefinition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()}
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 5
	}

	started := time.Now()
	result := &LoopResult{Steps: []Step{}, ToolCalls: []ToolCall{}}
	messages := []Message{{Role: "user", Text: cfg.Prompt}}

	finish := func(text, errMsg string) *LoopResult {
		result.Text = text
		result.Error = errMsg
		result.Success = errMsg == ""
		result.ExecutionTime = time.Since(started).Milliseconds()
		return result
	}

	for step := 0; step < maxSteps; step++ {
		resp, err := r.provider.Complete(ctx, &ModelRequest{
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Messages:     messages,
			Tools:        defs,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: model call failed at step %d: %w", step, err)
		}

		result.Steps = append(result.Steps, Step{
			Index: len(result.Steps), Kind: StepThink, Text: resp.Text, Timestamp: time.Now().UTC(),
		})

		// No tool calls means a terminal answer.
		if len(resp.ToolCalls) == 0 {
			return finish(resp.Text, ""), nil
		}

		messages = append(messages, Message{Role: "assistant", Text: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			record, observation, fatal := r.invokeTool(ctx, call, override)
			result.Steps = append(result.Steps,
				Step{Index: len(result.Steps), Kind: StepToolCall, ToolName: call.Name, Timestamp: record.Timestamp},
				Step{Index: len(result.Steps) + 1, Kind: StepObserve, ToolName: call.Name, Timestamp: time.Now().UTC()},
			)
			result.ToolCalls = append(result.ToolCalls, *record)
			messages = append(messages, observation)

			if fatal {
				return finish("", record.Error), nil
			}
		}
	}

	return finish("", ErrBudgetExhausted), nil
}

// invokeTool runs one tool call and builds both the audit record and the
// observation message fed back to the model.
func (r *Runner) invokeTool(ctx context.Context, call ModelToolCall, override toolOverride) (*ToolCall, Message, bool) {
	started := time.Now()
	record := &ToolCall{
		ToolName:   call.Name,
		Parameters: call.Input,
		Timestamp:  started.UTC(),
	}

	var (
		out   any
		err   error
		fatal bool
	)

	tool, lookupErr := r.toolbox.Get(call.Name)
	switch {
	case lookupErr != nil:
		// A hallucinated tool name is unrecoverable within this loop.
		err, fatal = lookupErr, true
	case override != nil:
		var handled bool
		out, err, handled = override(ctx, tool, call.Input)
		if !handled {
			out, err = tool.Call(ctx, call.Input)
		}
	default:
		out, err = tool.Call(ctx, call.Input)
	}

	record.ResponseTime = time.Since(started).Milliseconds()

	if err != nil {
		var fte *FatalToolError
		if errors.As(err, &fte) {
			fatal = true
		}
		record.Error = err.Error()
		metrics.AgentToolCallsTotal.WithLabelValues(call.Name, "error").Inc()
		r.logger.Warn("agent tool call failed", "tool", call.Name, "fatal", fatal, "error", err)
		return record, Message{Role: "user", ToolCallID: call.ID, ToolResult: err.Error(), IsError: true}, fatal
	}

	record.Result = out
	record.Success = true
	metrics.AgentToolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	return record, Message{Role: "user", ToolCallID: call.ID, ToolResult: out}, false
}

func resultMap(r *LoopResult) map[string]any {
	steps := make([]any, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = map[string]any{
			"index":     s.Index,
			"kind":      string(s.Kind),
			"text":      s.Text,
			"toolName":  s.ToolName,
			"timestamp": s.Timestamp.Format(time.RFC3339),
		}
	}
	calls := make([]any, len(r.ToolCalls))
	for i, c := range r.ToolCalls {
		calls[i] = map[string]any{
			"toolName":     c.ToolName,
			"parameters":   c.Parameters,
			"result":       c.Result,
			"success":      c.Success,
			"error":        c.Error,
			"responseTime": c.ResponseTime,
			"timestamp":    c.Timestamp.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"text":          r.Text,
		"success":       r.Success,
		"error":         r.Error,
		"executionTime": r.ExecutionTime,
		"steps":         steps,
		"toolCalls":     calls,
	}
}
