package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger logs every request through zap. Meeting-scoped routes carry the
// meeting key as a field so one meeting's traffic can be pulled from the logs.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		}
		if key := c.Param("id"); key != "" {
			fields = append(fields, zap.String("meeting_key", key))
		}
		logger.Info("request", fields...)
	}
}
