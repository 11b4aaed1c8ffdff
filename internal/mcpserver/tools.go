package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// listWorkflowsTool returns the tool definition for listing workflows.
func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("list_workflows",
		mcp.WithDescription("List the workflow definitions stored on the Weft platform. Returns workflow ids, names, and node counts. Use this to discover which workflows can be executed."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of workflows to return (default 20)"),
		),
	)
}

// executeWorkflowTool returns the tool definition for dispatching an execution.
func executeWorkflowTool() mcp.Tool {
	return mcp.NewTool("execute_workflow",
		mcp.WithDescription("Start an execution of a stored workflow. The execution runs asynchronously; use get_execution with the returned execution id to poll for the result."),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("The id of the workflow to execute (e.g. 'wf_abc123')"),
		),
		mcp.WithObject("input",
			mcp.Description("Input payload for the workflow trigger, available to nodes as {input.*} (optional)"),
		),
	)
}

// getExecutionTool returns the tool definition for fetching an execution.
func getExecutionTool() mcp.Tool {
	return mcp.NewTool("get_execution",
		mcp.WithDescription("Get the current status of a workflow execution, including per-node results. Terminal statuses are 'completed' and 'failed' (a cancelled execution reports status 'failed' with error 'cancelled')."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("The id of the execution to inspect"),
		),
	)
}

// getExecutionLogsTool returns the tool definition for fetching execution logs.
func getExecutionLogsTool() mcp.Tool {
	return mcp.NewTool("get_execution_logs",
		mcp.WithDescription("Get the log lines recorded during a workflow execution. Useful for diagnosing why an execution failed."),
		mcp.WithString("execution_id",
			mcp.Required(),
			mcp.Description("The id of the execution whose logs to fetch"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of log lines to return (default 50)"),
		),
	)
}

// listExecutionsTool returns the tool definition for listing a workflow's executions.
func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("list_executions",
		mcp.WithDescription("List recent executions of a workflow, newest first, with their statuses."),
		mcp.WithString("workflow_id",
			mcp.Required(),
			mcp.Description("The id of the workflow whose executions to list"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of executions to return (default 10)"),
		),
	)
}

// validateSessionKeyTool returns the tool definition for the permission dry-run.
func validateSessionKeyTool() mcp.Tool {
	return mcp.NewTool("validate_session_key",
		mcp.WithDescription("Check whether a session key would permit an operation, without executing it or consuming any spending allowance. Reports the remaining daily amount."),
		mcp.WithString("key_id",
			mcp.Required(),
			mcp.Description("The id of the session key to check"),
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("The operation to check, e.g. 'send' or 'swap'"),
		),
		mcp.WithString("amount",
			mcp.Required(),
			mcp.Description("The token amount as a decimal string, e.g. '10.50'"),
		),
		mcp.WithString("to_address",
			mcp.Description("Destination address for allowlist checks (optional)"),
		),
	)
}

// monitorStatusTool returns the tool definition for the session monitor view.
func monitorStatusTool() mcp.Tool {
	return mcp.NewTool("get_monitor_status",
		mcp.WithDescription("Get the session monitor's aggregate view: active, paused, and expired session keys, plus recent security alerts by type."),
	)
}
