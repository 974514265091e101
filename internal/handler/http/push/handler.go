// Package push exposes device token registration for incoming-call
// notifications.
package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
	"peercall-backend/pkg/response"
)

// TokenStore persists device push tokens
type TokenStore interface {
	Store(ctx context.Context, token *push.Token) error
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Handler handles push token HTTP requests
type Handler struct {
	tokens TokenStore
}

// NewHandler creates a new push token handler
func NewHandler(tokens TokenStore) *Handler {
	return &Handler{
		tokens: tokens,
	}
}

// RegisterTokenRequest represents a device token registration
type RegisterTokenRequest struct {
	Token string         `json:"token" binding:"required"`
	Type  push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
}

// RegisterToken registers a device token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID: userID,
		Token:  req.Token,
		Type:   req.Type,
	}

	if err := h.tokens.Store(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

// UnregisterTokenRequest represents a device token removal
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes a device token for the authenticated user
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.tokens.Delete(c.Request.Context(), userID, req.Token); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token removed"})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "User not authenticated")
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "User not authenticated")
		return uuid.Nil, false
	}
	return userID, true
}
