package audit

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meetsync/backend/pkg/response"
)

// Handler serves the coordination audit trail.
type Handler struct {
	repo *Repository
}

// NewHandler creates an audit handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List handles GET /meetings/:id/audit.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.repo.ListByMeeting(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.Internal(c, "failed to load audit trail")
		return
	}
	response.OK(c, gin.H{"events": events})
}
