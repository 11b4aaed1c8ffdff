package blocks

import (
	"context"
	"time"

	"github.com/mbirch/weft/internal/workflow"
)

const defaultStepBudget = 5

var aiAgentSchema = mustCompileSchema("ai_agent", map[string]any{
	"type":     "object",
	"required": []any{"prompt"},
	"properties": map[string]any{
		"prompt":       map[string]any{"type": "string", "minLength": 1},
		"systemPrompt": map[string]any{"type": "string"},
		"provider":     map[string]any{"type": "string"},
		"model":        map[string]any{"type": "string"},
		"tools": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"stepBudget": map[string]any{"type": "integer", "minimum": 1.0},
		"timeoutMs":  map[string]any{"type": "integer", "minimum": 1.0},
	},
})

// AIAgentHandler runs a reasoning loop through the wired agent runtime. The
// loop's own outcome (terminal answer, budget_exhausted, fatal tool error)
// lives in the output map; only infrastructure failures fail the node.
type AIAgentHandler struct{}

func NewAIAgentHandler() *AIAgentHandler { return &AIAgentHandler{} }

func (h *AIAgentHandler) Type() string { return "ai_agent" }

func (h *AIAgentHandler) ValidateConfig(config map[string]any) error {
	return validateAgainst(aiAgentSchema, config)
}

func (h *AIAgentHandler) Execute(ctx context.Context, node workflow.Node, ec *ExecContext) (map[string]any, error) {
	if ec.Services == nil || ec.Services.Agent == nil {
		return nil, E(KindConfigInvalid, "ai_agent: agent runtime not wired")
	}

	prompt, _ := node.Config["prompt"].(string)
	if prompt == "" {
		return nil, E(KindConfigInvalid, "ai_agent: prompt is required")
	}
	systemPrompt, _ := node.Config["systemPrompt"].(string)

	var tools []string
	if raw, ok := node.Config["tools"].([]any); ok {
		for _, t := range raw {
			if name, ok := t.(string); ok {
				tools = append(tools, name)
			}
		}
	}

	stepBudget := intConfig(node.Config, "stepBudget", defaultStepBudget)
	if timeoutMs := intConfig(node.Config, "timeoutMs", 0); timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	ec.Logger.Info("ai_agent loop starting", "tools", len(tools), "step_budget", stepBudget)

	result, err := ec.Services.Agent.RunLoop(ctx, prompt, systemPrompt, tools, stepBudget)
	if err != nil {
		return nil, Wrap(KindUpstreamError, err, "ai_agent: reasoning loop failed")
	}
	return result, nil
}

// intConfig reads an integer config value; JSON decoding hands numbers over
// as float64.
func intConfig(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

var _ ConfigValidator = (*AIAgentHandler)(nil)
