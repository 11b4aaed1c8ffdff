package agent

import (
	"context"
	"fmt"
	"sort"
)

// Tool is one capability the reasoning loop can invoke. SideEffecting tools
// are skipped during dry-run replay.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Call(ctx context.Context, params map[string]any) (any, error)
	SideEffecting() bool
}

// FatalToolError marks a tool failure the loop must not recover from.
// Ordinary tool errors are fed back to the model as error observations.
type FatalToolError struct {
	Err error
}

func (e *FatalToolError) Error() string { return e.Err.Error() }
func (e *FatalToolError) Unwrap() error { return e.Err }

// Fatal wraps err so the loop terminates instead of observing the failure.
func Fatal(err error) error {
	return &FatalToolError{Err: err}
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, params map[string]any) (any, error)
	sideEffects bool
}

// NewTool builds a FuncTool.
func NewTool(name, description string, schema map[string]any, sideEffects bool,
	fn func(ctx context.Context, params map[string]any) (any, error)) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
		sideEffects: sideEffects,
	}
}

func (t *FuncTool) Name() string                { return t.name }
func (t *FuncTool) Description() string         { return t.description }
func (t *FuncTool) InputSchema() map[string]any { return t.schema }
func (t *FuncTool) SideEffecting() bool         { return t.sideEffects }

func (t *FuncTool) Call(ctx context.Context, params map[string]any) (any, error) {
	return t.fn(ctx, params)
}

// Toolbox holds the tools available to a runner.
type Toolbox struct {
	tools map[string]Tool
}

// NewToolbox creates a toolbox. Duplicate names are a wiring bug and panic.
func NewToolbox(tools ...Tool) *Toolbox {
	tb := &Toolbox{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		tb.Add(t)
	}
	return tb
}

// Add registers a tool.
func (tb *Toolbox) Add(t Tool) {
	if _, exists := tb.tools[t.Name()]; exists {
		panic("agent: duplicate tool " + t.Name())
	}
	tb.tools[t.Name()] = t
}

// Get returns a tool by name.
func (tb *Toolbox) Get(name string) (Tool, error) {
	t, ok := tb.tools[name]
	if !ok {
		return nil, fmt.Errorf("agent: unknown tool %q", name)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (tb *Toolbox) Names() []string {
	names := make([]string, 0, len(tb.tools))
	for n := range tb.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the subset of tools named, erroring on unknown names.
// An empty list selects every tool.
func (tb *Toolbox) Select(names []string) ([]Tool, error) {
	if len(names) == 0 {
		names = tb.Names()
	}
	selected := make([]Tool, 0, len(names))
	for _, n := range names {
		t, err := tb.Get(n)
		if err != nil {
			return nil, err
		}
		selected = append(selected, t)
	}
	return selected, nil
}
