package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbirch/weft/internal/engine"
	"github.com/mbirch/weft/internal/idgen"
	"github.com/mbirch/weft/internal/logging"
	"github.com/mbirch/weft/internal/validation"
	"github.com/mbirch/weft/internal/workflow"
)

// createWorkflow handles POST /v1/workflows
func (s *Server) createWorkflow(c *gin.Context) {
	ctx := c.Request.Context()

	var wf workflow.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if wf.ID == "" {
		wf.ID = idgen.WithPrefix("wf_")
	}
	wf.Name = validation.SanitizeString(wf.Name, 200)

	for _, node := range wf.Nodes {
		if !validation.IsValidNodeID(node.ID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_node_id",
				"message": "node ids must be 1-64 chars of [a-zA-Z0-9_-]",
			})
			return
		}
	}

	if err := wf.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_workflow",
			"message": err.Error(),
		})
		return
	}

	if err := s.store.CreateWorkflow(ctx, &wf); err != nil {
		logging.L(ctx).Error("failed to create workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create workflow",
		})
		return
	}

	c.JSON(http.StatusCreated, wf)
}

// listWorkflows handles GET /v1/workflows
func (s *Server) listWorkflows(c *gin.Context) {
	ctx := c.Request.Context()

	workflows, err := s.store.ListWorkflows(ctx, limitQuery(c, 50))
	if err != nil {
		logging.L(ctx).Error("failed to list workflows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list workflows",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "count": len(workflows)})
}

// getWorkflow handles GET /v1/workflows/:id
func (s *Server) getWorkflow(c *gin.Context) {
	ctx := c.Request.Context()

	wf, err := s.store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "workflow_not_found",
				"message": "No workflow with this id",
			})
			return
		}
		logging.L(ctx).Error("failed to get workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get workflow",
		})
		return
	}

	c.JSON(http.StatusOK, wf)
}

// dispatchExecution handles POST /v1/workflows/:id/executions
func (s *Server) dispatchExecution(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Input  map[string]any `json:"input"`
		UserID string         `json:"userId"`
	}
	// Empty body is fine; the workflow may not need input.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	exec, err := s.engine.Dispatch(ctx, c.Param("id"), req.Input, req.UserID)
	if err != nil {
		if errors.Is(err, engine.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "workflow_not_found",
				"message": "No workflow with this id",
			})
			return
		}
		// Structural failure surfaced by workflow validation
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_workflow",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, exec)
}

// listExecutions handles GET /v1/workflows/:id/executions
func (s *Server) listExecutions(c *gin.Context) {
	ctx := c.Request.Context()

	executions, err := s.store.ListExecutionsByWorkflow(ctx, c.Param("id"), limitQuery(c, 50))
	if err != nil {
		logging.L(ctx).Error("failed to list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list executions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

// getExecution handles GET /v1/executions/:id
func (s *Server) getExecution(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "execution_not_found",
				"message": "No execution with this id",
			})
			return
		}
		logging.L(ctx).Error("failed to get execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get execution",
		})
		return
	}

	nodes, err := s.store.ListNodeExecutions(ctx, id)
	if err != nil {
		logging.L(ctx).Error("failed to list node executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list node executions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"execution": exec, "nodes": nodes})
}

// getExecutionLogs handles GET /v1/executions/:id/logs
func (s *Server) getExecutionLogs(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.store.GetExecution(ctx, id); err != nil {
		if errors.Is(err, engine.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "execution_not_found",
				"message": "No execution with this id",
			})
			return
		}
		logging.L(ctx).Error("failed to get execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get execution",
		})
		return
	}

	logs, err := s.store.ListLogs(ctx, id, limitQuery(c, 100))
	if err != nil {
		logging.L(ctx).Error("failed to list logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list logs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// cancelExecution handles POST /v1/executions/:id/cancel
func (s *Server) cancelExecution(c *gin.Context) {
	if !s.engine.Cancel(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_running",
			"message": "Execution is not running on this instance",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// pauseExecution handles POST /v1/executions/:id/pause
func (s *Server) pauseExecution(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.engine.Pause(ctx, c.Param("id")); err != nil {
		s.executionTransitionError(c, err, "pause")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeExecution handles POST /v1/executions/:id/resume
func (s *Server) resumeExecution(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.engine.Resume(ctx, c.Param("id")); err != nil {
		s.executionTransitionError(c, err, "resume")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

func (s *Server) executionTransitionError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, engine.ErrExecutionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "execution_not_found",
			"message": "No execution with this id",
		})
	case errors.Is(err, engine.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("execution "+op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to " + op + " execution",
		})
	}
}

// limitQuery parses ?limit= with a default, capped at 500.
func limitQuery(c *gin.Context, def int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
