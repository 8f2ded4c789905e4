package middleware

import (
	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/telemetry"
)

const requestIDHeader = "X-Request-Id"

// RequestID propagates the caller's X-Request-Id or assigns a new one. The id
// is stored on the gin context, the request context and the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, id := telemetry.WithRequestID(c.Request.Context(), c.GetHeader(requestIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Request.Header.Set(requestIDHeader, id)
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
