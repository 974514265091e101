package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/service/call"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/response"
)

// Handler handles call session HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// StartCallRequest represents a call creation request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
}

// MediaStateRequest carries the full media flag set of the caller
type MediaStateRequest struct {
	IsMuted         bool `json:"is_muted"`
	IsVideoOn       bool `json:"is_video_on"`
	IsScreenSharing bool `json:"is_screen_sharing"`
	IsHandRaised    bool `json:"is_hand_raised"`
}

// StartCall creates a call in a conversation and rings the other members
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	callSession, err := h.callService.StartCall(c.Request.Context(), conversationID, userID, domain.CallType(req.CallType))
	if err != nil {
		// The conflict response carries the live call so the client can
		// join it instead
		if appErr := apperrors.AsAppError(err); appErr != nil && appErr.Code == apperrors.ErrCodeCallAlreadyActive {
			response.Success(c, http.StatusConflict, gin.H{
				"error": appErr.Message,
				"call":  callSession,
			})
			return
		}
		respondError(c, err, "Failed to start call")
		return
	}

	response.Success(c, http.StatusCreated, callSession)
}

// JoinCall joins a live call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	callSession, err := h.callService.JoinCall(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err, "Failed to join call")
		return
	}

	response.Success(c, http.StatusOK, callSession)
}

// LeaveCall leaves a call, ending it when nobody remains
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.LeaveCall(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err, "Failed to leave call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"call_id": callID})
}

// EndCall hangs up for everyone in the call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.EndCall(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err, "Failed to end call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"call_id": callID})
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.DeclineCall(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err, "Failed to decline call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"call_id": callID})
}

// UpdateMediaState replaces the caller's media flags
// PUT /v1/calls/:id/media-state
func (h *Handler) UpdateMediaState(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req MediaStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	state := domain.MediaState{
		IsMuted:         req.IsMuted,
		IsVideoOn:       req.IsVideoOn,
		IsScreenSharing: req.IsScreenSharing,
		IsHandRaised:    req.IsHandRaised,
	}
	if err := h.callService.UpdateMediaState(c.Request.Context(), callID, userID, state); err != nil {
		respondError(c, err, "Failed to update media state")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"call_id": callID})
}

// GetCall returns a call with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	callSession, participants, err := h.callService.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err, "Failed to get call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":         callSession,
		"participants": participants,
	})
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// respondError maps service errors onto the response envelope, falling back
// to a 500 with a generic message for unknown errors.
func respondError(c *gin.Context, err error, fallback string) {
	if appErr := apperrors.AsAppError(err); appErr != nil {
		response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
		return
	}
	response.InternalError(c, fallback)
}
