package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/telemetry"
)

// StatsProvider exposes live gateway counters.
type StatsProvider interface {
	Stats() gin.H
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, stats StatsProvider, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		ctx, _ := requestContext(c)
		emitter.Emit(ctx, "info", telemetry.ActionAuditTest, callerID(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/ws", func(c *gin.Context) {
		if stats == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not configured"})
			return
		}
		c.JSON(http.StatusOK, stats.Stats())
	})
}
