package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbirch/weft/internal/agent"
	"github.com/mbirch/weft/internal/logging"
)

// listSnapshots handles GET /v1/agent/snapshots
func (s *Server) listSnapshots(c *gin.Context) {
	ctx := c.Request.Context()

	snaps, err := s.snapshots.List(ctx, limitQuery(c, 50))
	if err != nil {
		logging.L(ctx).Error("failed to list snapshots", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list snapshots",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

// getSnapshot handles GET /v1/agent/snapshots/:id
func (s *Server) getSnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := s.snapshots.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, agent.ErrSnapshotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "snapshot_not_found",
				"message": "No snapshot with this id",
			})
			return
		}
		logging.L(ctx).Error("failed to get snapshot", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get snapshot",
		})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// replaySnapshot handles POST /v1/agent/snapshots/:id/replay
func (s *Server) replaySnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "agent_disabled",
			"message": "No model provider is configured",
		})
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	mode := agent.ReplayMode(req.Mode)
	if mode == "" {
		mode = agent.ReplayExact
	}
	switch mode {
	case agent.ReplayExact, agent.ReplayAdaptive, agent.ReplayDryRun:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_mode",
			"message": "mode must be exact, adaptive, or dry-run",
		})
		return
	}

	result, err := s.runner.Replay(ctx, c.Param("id"), mode)
	if err != nil {
		if errors.Is(err, agent.ErrSnapshotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "snapshot_not_found",
				"message": "No snapshot with this id",
			})
			return
		}
		logging.L(ctx).Error("snapshot replay failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to replay snapshot",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
