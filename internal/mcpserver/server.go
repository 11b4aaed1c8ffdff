// Package mcpserver exposes the Weft platform to LLM agents over the
// Model Context Protocol. The server is a thin shim: every tool call is
// translated into a platform API request, and responses are formatted as
// text an agent can reason about.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

const serverVersion = "0.1.0"

// NewMCPServer creates an MCP server with all Weft tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("weft", serverVersion)

	client := NewWeftClient(cfg)
	handlers := NewHandlers(client)

	s.AddTool(listWorkflowsTool(), handlers.ListWorkflows)
	s.AddTool(executeWorkflowTool(), handlers.ExecuteWorkflow)
	s.AddTool(getExecutionTool(), handlers.GetExecution)
	s.AddTool(getExecutionLogsTool(), handlers.GetExecutionLogs)
	s.AddTool(listExecutionsTool(), handlers.ListExecutions)
	s.AddTool(validateSessionKeyTool(), handlers.ValidateSessionKey)
	s.AddTool(monitorStatusTool(), handlers.GetMonitorStatus)

	return s
}
