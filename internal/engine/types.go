// Package engine executes workflow DAGs: frontier scheduling with bounded
// parallelism, durable per-node execution records, and append-only logs.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mbirch/weft/internal/workflow"
)

var (
	ErrExecutionNotFound = errors.New("engine: execution not found")
	ErrWorkflowNotFound  = errors.New("engine: workflow not found")
	ErrInvalidStatus     = errors.New("engine: invalid status for this operation")
)

// Status represents the state of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"   // Created, not yet dispatched
	StatusRunning   Status = "running"   // Frontier being driven
	StatusCompleted Status = "completed" // Every node completed
	StatusFailed    Status = "failed"    // A node failed or the run was cancelled
	StatusPaused    Status = "paused"    // Suspended by external action; resumable
)

// IsTerminal returns true if the execution is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NodeStatus represents the state of one node within an execution.
type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// Execution is one run of a workflow over a given input.
type Execution struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	UserID     string         `json:"userId,omitempty"`
	Status     Status         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"` // Final node's output on completion
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// NodeExecution records one node's run within an execution. Unique per
// (executionID, nodeID); re-runs after resume upsert the same row.
type NodeExecution struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"executionId"`
	NodeID      string     `json:"nodeId"`
	BlockType   string     `json:"blockType"`
	Status      NodeStatus `json:"status"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// LogLevel is the severity of an execution log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one append-only execution log line.
type LogEntry struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	NodeID      string    `json:"nodeId,omitempty"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists workflows, executions, node executions, and logs.
type Store interface {
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, limit int) ([]*workflow.Workflow, error)

	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error
	ListExecutionsByStatus(ctx context.Context, status Status, limit int) ([]*Execution, error)
	ListExecutionsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Execution, error)

	// UpsertNodeExecution inserts or replaces by (executionID, nodeID).
	UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, executionID string, limit int) ([]*LogEntry, error)
}
