package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbirch/weft/internal/logging"
	"github.com/mbirch/weft/internal/sessionkeys"
)

// createSessionKeyRequest wraps the authority's create request with the
// caller identity and the wallet signature used to encrypt the private key.
type createSessionKeyRequest struct {
	UserID        string `json:"userId" binding:"required"`
	UserSignature string `json:"userSignature" binding:"required"`
	sessionkeys.CreateRequest
}

// createSessionKey handles POST /v1/sessions
func (s *Server) createSessionKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req createSessionKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := s.authority.Create(ctx, req.UserID, &req.CreateRequest, req.UserSignature)
	if err != nil {
		var verr *sessionkeys.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   verr.Code,
				"message": verr.Message,
			})
			return
		}
		logging.L(ctx).Error("failed to create session key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create session key",
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// listSessionKeys handles GET /v1/sessions?userId=&status=
func (s *Server) listSessionKeys(c *gin.Context) {
	ctx := c.Request.Context()

	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_user",
			"message": "userId query parameter is required",
		})
		return
	}

	keys, err := s.authority.ListByUser(ctx, userID, sessionkeys.Status(c.Query("status")))
	if err != nil {
		logging.L(ctx).Error("failed to list session keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list session keys",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionKeys": keys, "count": len(keys)})
}

// getSessionKey handles GET /v1/sessions/:keyId
func (s *Server) getSessionKey(c *gin.Context) {
	ctx := c.Request.Context()

	key, err := s.authority.Get(ctx, c.Param("keyId"))
	if err != nil {
		s.sessionKeyError(c, err, "get")
		return
	}

	c.JSON(http.StatusOK, key)
}

// revokeSessionKey handles DELETE /v1/sessions/:keyId
func (s *Server) revokeSessionKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	if req.Reason == "" {
		req.Reason = "revoked by owner"
	}

	if err := s.authority.Revoke(ctx, c.Param("keyId"), req.Reason); err != nil {
		s.sessionKeyError(c, err, "revoke")
		return
	}

	// Drop any cached signature; a revoked key must not be decryptable.
	s.unlocker.Lock(c.Param("keyId"))

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// validateSessionKey handles POST /v1/sessions/:keyId/validate
func (s *Server) validateSessionKey(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Operation string `json:"operation" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		ToAddress string `json:"toAddress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "operation and amount are required",
		})
		return
	}

	result, err := s.authority.Validate(ctx, c.Param("keyId"), req.Operation, req.Amount, req.ToAddress)
	if err != nil {
		logging.L(ctx).Error("session validation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to validate session key",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// listSessionEvents handles GET /v1/sessions/:keyId/events
func (s *Server) listSessionEvents(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("keyId")

	if _, err := s.authority.Get(ctx, keyID); err != nil {
		s.sessionKeyError(c, err, "get")
		return
	}

	events, err := s.sessions.ListEvents(ctx, keyID, limitQuery(c, 50))
	if err != nil {
		logging.L(ctx).Error("failed to list session events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list session events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// unlockSessionKey handles POST /v1/sessions/:keyId/unlock.
// The signature is verified by decrypting the key before it is cached.
func (s *Server) unlockSessionKey(c *gin.Context) {
	ctx := c.Request.Context()
	keyID := c.Param("keyId")

	var req struct {
		UserSignature string `json:"userSignature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userSignature is required",
		})
		return
	}

	if _, err := s.authority.DecryptKey(ctx, keyID, req.UserSignature); err != nil {
		if errors.Is(err, sessionkeys.ErrKeyNotFound) {
			s.sessionKeyError(c, err, "unlock")
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature does not decrypt this session key",
		})
		return
	}

	s.unlocker.Unlock(keyID, req.UserSignature)
	c.JSON(http.StatusOK, gin.H{"status": "unlocked", "ttl": sessionkeys.DefaultUnlockTTL.String()})
}

// lockSessionKey handles POST /v1/sessions/:keyId/lock
func (s *Server) lockSessionKey(c *gin.Context) {
	s.unlocker.Lock(c.Param("keyId"))
	c.JSON(http.StatusOK, gin.H{"status": "locked"})
}

// monitorStatus handles GET /v1/monitor/status
func (s *Server) monitorStatus(c *gin.Context) {
	ctx := c.Request.Context()

	snapshot, err := s.monitor.Snapshot(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to read monitor status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read monitor status",
		})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) sessionKeyError(c *gin.Context, err error, op string) {
	if errors.Is(err, sessionkeys.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "No session key with this id",
		})
		return
	}
	logging.L(c.Request.Context()).Error("session key "+op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to " + op + " session key",
	})
}
