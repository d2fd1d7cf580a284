package meetings

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/middleware"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/pkg/response"
)

// CreateRequest is the body for POST /meetings.
type CreateRequest struct {
	Title         string   `json:"title" binding:"required"`
	Description   string   `json:"description"`
	AccessMode    string   `json:"access_mode" binding:"required,oneof=open approval allowlist"`
	AllowedEmails []string `json:"allowed_emails"`
	Email         string   `json:"email" binding:"required,email"`
	FirstName     string   `json:"first_name"`
	LastName      string   `json:"last_name"`
}

// JoinRequest is the body for POST /meetings/:id/join.
type JoinRequest struct {
	Email            string `json:"email" binding:"required,email"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	ApprovalID       string `json:"approval_id"`
	RequesterChannel string `json:"requester_channel"`
}

// DecideRequest is the body for POST /meetings/:id/approvals/:approvalId.
type DecideRequest struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
}

// SetRoleRequest is the body for POST /meetings/:id/roles.
type SetRoleRequest struct {
	UserKey string `json:"user_key" binding:"required"`
	Role    string `json:"role" binding:"required"`
}

// SpeakingRequest is the body for POST /meetings/:id/speaking.
type SpeakingRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Speaking      *bool  `json:"speaking" binding:"required"`
}

// Handler handles meeting coordination HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a meetings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// respondErr maps sentinel errors to response envelopes.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, errs.ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, errs.ErrUpstream):
		response.BadGateway(c, "access authority is unavailable")
	default:
		response.Internal(c, "internal error")
	}
}

// Create handles POST /meetings.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.service.Create(c.Request.Context(), CreateInput{
		Title:         req.Title,
		Description:   req.Description,
		AccessMode:    models.AccessMode(req.AccessMode),
		AllowedEmails: req.AllowedEmails,
		Email:         req.Email,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	response.Created(c, result)
}

// Get handles GET /meetings/:id.
func (h *Handler) Get(c *gin.Context) {
	meeting, err := h.service.GetMeeting(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, meeting)
}

// Join handles POST /meetings/:id/join.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	result, err := h.service.Join(c.Request.Context(), JoinInput{
		MeetingKey:       c.Param("id"),
		Email:            req.Email,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		ApprovalID:       req.ApprovalID,
		RequesterChannel: req.RequesterChannel,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, result)
}

// Decide handles POST /meetings/:id/approvals/:approvalId.
func (h *Handler) Decide(c *gin.Context) {
	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actorKey := c.MustGet(middleware.ContextUserKey).(string)
	approval, err := h.service.Decide(c.Request.Context(), c.Param("id"), c.Param("approvalId"), req.Action, actorKey)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, approval)
}

// ListApprovals handles GET /meetings/:id/approvals.
func (h *Handler) ListApprovals(c *gin.Context) {
	pending, err := h.service.ListPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, gin.H{"pending": pending})
}

// SetRole handles POST /meetings/:id/roles.
func (h *Handler) SetRole(c *gin.Context) {
	var req SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actorKey := c.MustGet(middleware.ContextUserKey).(string)
	bindings, err := h.service.SetRole(c.Request.Context(), c.Param("id"), req.UserKey, req.Role, actorKey)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, gin.H{"bindings": bindings})
}

// RemoveParticipant handles DELETE /meetings/:id/participants/:userKey.
func (h *Handler) RemoveParticipant(c *gin.Context) {
	actorKey := c.MustGet(middleware.ContextUserKey).(string)
	if err := h.service.RemoveParticipant(c.Request.Context(), c.Param("id"), c.Param("userKey"), actorKey); err != nil {
		respondErr(c, err)
		return
	}
	response.NoContent(c)
}

// Permissions handles POST /meetings/:id/permissions.
func (h *Handler) Permissions(c *gin.Context) {
	userKey := c.MustGet(middleware.ContextUserKey).(string)
	perms, err := h.service.Permissions(c.Request.Context(), c.Param("id"), userKey)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, perms)
}

// SetSpeaking handles POST /meetings/:id/speaking.
func (h *Handler) SetSpeaking(c *gin.Context) {
	var req SpeakingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actorKey := c.MustGet(middleware.ContextUserKey).(string)
	if err := h.service.SetSpeaking(c.Request.Context(), c.Param("id"), req.ParticipantID, *req.Speaking, actorKey); err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, gin.H{"participant_id": req.ParticipantID, "speaking": *req.Speaking})
}

// Participants handles GET /meetings/:id/participants.
func (h *Handler) Participants(c *gin.Context) {
	roster, err := h.service.store.ListParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, gin.H{"participants": roster})
}
