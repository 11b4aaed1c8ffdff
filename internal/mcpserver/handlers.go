package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers contains the tool handlers for the MCP server.
type Handlers struct {
	client *WeftClient
}

// NewHandlers creates handlers backed by the given platform client.
func NewHandlers(client *WeftClient) *Handlers {
	return &Handlers{client: client}
}

// ListWorkflows handles the list_workflows tool call.
func (h *Handlers) ListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	result, err := h.client.ListWorkflows(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	return mcp.NewToolResultText(formatWorkflowList(result)), nil
}

// ExecuteWorkflow handles the execute_workflow tool call.
func (h *Handlers) ExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	var input map[string]any
	if raw, ok := req.GetArguments()["input"].(map[string]any); ok {
		input = raw
	}

	result, err := h.client.ExecuteWorkflow(ctx, workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute workflow: %v", err)), nil
	}

	var exec map[string]any
	if err := json.Unmarshal(result, &exec); err != nil {
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	var sb strings.Builder
	sb.WriteString("Execution started.\n\n")
	sb.WriteString(fmt.Sprintf("Execution ID: %s\n", getString(exec, "id")))
	sb.WriteString(fmt.Sprintf("Workflow: %s\n", getString(exec, "workflowId", "workflow_id")))
	sb.WriteString(fmt.Sprintf("Status: %s\n", getString(exec, "status")))
	sb.WriteString("\nUse get_execution to poll for the result.")
	return mcp.NewToolResultText(sb.String()), nil
}

// GetExecution handles the get_execution tool call.
func (h *Handlers) GetExecution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	result, err := h.client.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}

	return mcp.NewToolResultText(formatExecution(result)), nil
}

// GetExecutionLogs handles the get_execution_logs tool call.
func (h *Handlers) GetExecutionLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID := req.GetString("execution_id", "")
	if executionID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	limit := req.GetInt("limit", 50)

	result, err := h.client.GetExecutionLogs(ctx, executionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution logs: %v", err)), nil
	}

	return mcp.NewToolResultText(formatLogs(result)), nil
}

// ListExecutions handles the list_executions tool call.
func (h *Handlers) ListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	limit := req.GetInt("limit", 10)

	result, err := h.client.ListExecutions(ctx, workflowID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list executions: %v", err)), nil
	}

	return mcp.NewToolResultText(formatExecutionList(result)), nil
}

// ValidateSessionKey handles the validate_session_key tool call.
func (h *Handlers) ValidateSessionKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID := req.GetString("key_id", "")
	if keyID == "" {
		return mcp.NewToolResultError("key_id is required"), nil
	}
	operation := req.GetString("operation", "")
	if operation == "" {
		return mcp.NewToolResultError("operation is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	toAddress := req.GetString("to_address", "")

	result, err := h.client.ValidateSessionKey(ctx, keyID, operation, amount, toAddress)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to validate session key: %v", err)), nil
	}

	return mcp.NewToolResultText(formatValidation(result, operation, amount)), nil
}

// GetMonitorStatus handles the get_monitor_status tool call.
func (h *Handlers) GetMonitorStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.client.GetMonitorStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get monitor status: %v", err)), nil
	}

	return mcp.NewToolResultText(formatMonitor(result)), nil
}

// --- Formatting helpers ---

func formatWorkflowList(raw json.RawMessage) string {
	var resp struct {
		Workflows []map[string]any `json:"workflows"`
		Count     int              `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return formatJSON(raw)
	}
	if len(resp.Workflows) == 0 {
		return "No workflows found."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d workflow(s):\n\n", len(resp.Workflows)))
	for i, wf := range resp.Workflows {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, getString(wf, "name")))
		sb.WriteString(fmt.Sprintf("   ID: %s\n", getString(wf, "id")))
		if nodes, ok := wf["nodes"].([]any); ok {
			sb.WriteString(fmt.Sprintf("   Nodes: %d\n", len(nodes)))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatExecution(raw json.RawMessage) string {
	var resp struct {
		Execution map[string]any   `json:"execution"`
		Nodes     []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Execution == nil {
		return formatJSON(raw)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Execution %s\n", getString(resp.Execution, "id")))
	sb.WriteString(fmt.Sprintf("Status: %s\n", getString(resp.Execution, "status")))
	sb.WriteString(fmt.Sprintf("Workflow: %s\n", getString(resp.Execution, "workflowId", "workflow_id")))
	if errMsg := getString(resp.Execution, "error"); errMsg != "" {
		sb.WriteString(fmt.Sprintf("Error: %s\n", errMsg))
	}
	if len(resp.Nodes) > 0 {
		sb.WriteString("\nNodes:\n")
		for _, node := range resp.Nodes {
			sb.WriteString(fmt.Sprintf("- %s: %s", getString(node, "nodeId", "node_id"), getString(node, "status")))
			if errMsg := getString(node, "error"); errMsg != "" {
				sb.WriteString(fmt.Sprintf(" (%s)", errMsg))
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatLogs(raw json.RawMessage) string {
	var resp struct {
		Logs []map[string]any `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return formatJSON(raw)
	}
	if len(resp.Logs) == 0 {
		return "No log lines recorded."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d log line(s):\n\n", len(resp.Logs)))
	for _, entry := range resp.Logs {
		level := strings.ToUpper(getString(entry, "level"))
		nodeID := getString(entry, "nodeId", "node_id")
		if nodeID != "" {
			sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", level, nodeID, getString(entry, "message")))
		} else {
			sb.WriteString(fmt.Sprintf("[%s] %s\n", level, getString(entry, "message")))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatExecutionList(raw json.RawMessage) string {
	var resp struct {
		Executions []map[string]any `json:"executions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return formatJSON(raw)
	}
	if len(resp.Executions) == 0 {
		return "No executions found for this workflow."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d execution(s):\n\n", len(resp.Executions)))
	for i, exec := range resp.Executions {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, getString(exec, "id")))
		sb.WriteString(fmt.Sprintf("   Status: %s\n", getString(exec, "status")))
		if started := getString(exec, "startedAt", "started_at"); started != "" {
			sb.WriteString(fmt.Sprintf("   Started: %s\n", started))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatValidation(raw json.RawMessage, operation, amount string) string {
	var resp struct {
		IsValid              bool     `json:"isValid"`
		Errors               []string `json:"errors"`
		RemainingDailyAmount string   `json:"remainingDailyAmount"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return formatJSON(raw)
	}

	var sb strings.Builder
	if resp.IsValid {
		sb.WriteString(fmt.Sprintf("Allowed: %s of %s would be permitted.\n", operation, amount))
	} else {
		sb.WriteString(fmt.Sprintf("Denied: %s of %s would be rejected.\n", operation, amount))
		for _, e := range resp.Errors {
			sb.WriteString(fmt.Sprintf("- %s\n", e))
		}
	}
	if resp.RemainingDailyAmount != "" {
		sb.WriteString(fmt.Sprintf("Remaining daily allowance: %s", resp.RemainingDailyAmount))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatMonitor(raw json.RawMessage) string {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return formatJSON(raw)
	}

	var sb strings.Builder
	sb.WriteString("Session monitor status:\n\n")
	sb.WriteString(fmt.Sprintf("Active sessions: %.0f\n", getFloat(resp, "activeSessions", "active_sessions")))
	sb.WriteString(fmt.Sprintf("Paused sessions: %.0f\n", getFloat(resp, "pausedSessions", "paused_sessions")))
	sb.WriteString(fmt.Sprintf("Expired sessions: %.0f\n", getFloat(resp, "expiredSessions", "expired_sessions")))
	sb.WriteString(fmt.Sprintf("Alerts (24h): %.0f\n", getFloat(resp, "alertsLast24h", "alerts_last_24h")))
	if types, ok := resp["topAlertTypes"].(map[string]any); ok && len(types) > 0 {
		sb.WriteString("\nAlerts by type:\n")
		for name, count := range types {
			sb.WriteString(fmt.Sprintf("- %s: %.0f\n", name, toFloat(count)))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// formatJSON pretty-prints raw JSON as a fallback.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// getString extracts the first non-empty string value among the given keys.
func getString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// getFloat extracts the first numeric value among the given keys.
func getFloat(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return toFloat(v)
		}
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
