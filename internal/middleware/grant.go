package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meetsync/backend/internal/auth"
	"github.com/meetsync/backend/pkg/response"
)

const (
	// ContextUserKey is the key for the caller's user key in gin context.
	ContextUserKey = "user_key"
	// ContextMeetingKey is the key for the grant's meeting in gin context.
	ContextMeetingKey = "meeting_key"
	// ContextRole is the key for the grant role in gin context.
	ContextRole = "role"
)

// Grant returns a middleware that validates a join grant and sets the
// caller's identity in context. The grant must match the :id route param.
func Grant(grants *auth.GrantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := grants.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired grant")
			c.Abort()
			return
		}
		if meetingKey := c.Param("id"); meetingKey != "" && meetingKey != claims.MeetingKey {
			response.Forbidden(c, "grant was issued for a different meeting")
			c.Abort()
			return
		}
		c.Set(ContextUserKey, claims.UserKey)
		c.Set(ContextMeetingKey, claims.MeetingKey)
		c.Set(ContextRole, claims.Role)
		c.Next()
	}
}
