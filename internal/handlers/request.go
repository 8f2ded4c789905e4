package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/telemetry"
)

// requestContext returns the request context carrying a request id. Routes
// mounted outside the RequestID middleware fall back to X-Request-ID.
func requestContext(c *gin.Context) (context.Context, string) {
	ctx := c.Request.Context()
	if id := telemetry.RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	ctx, id := telemetry.WithRequestID(ctx, c.GetHeader("X-Request-ID"))
	c.Request = c.Request.WithContext(ctx)
	return ctx, id
}

// callerID is the authenticated user, or the X-User-ID header on
// unauthenticated debug routes. Zero means anonymous.
func callerID(c *gin.Context) int {
	if id := c.GetInt("userID"); id != 0 {
		return id
	}
	id, _ := strconv.Atoi(c.GetHeader("X-User-ID"))
	return id
}

// actor is the caller of a REST request. REST calls carry no connection id,
// so every live connection of the caller receives the resulting events.
func actor(c *gin.Context) chat.Actor {
	return chat.Actor{UserID: c.GetInt("userID")}
}
