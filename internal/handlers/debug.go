package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/telemetry"
)

// ConnectionCounter reports how many sockets this node holds.
type ConnectionCounter interface {
	Len() int
}

type DebugConfig struct {
	Enabled     bool
	NodeID      string
	Audit       *telemetry.AuditEmitter
	Connections ConnectionCounter
}

var auditLevels = map[string]bool{"INFO": true, "WARN": true, "ERROR": true}

// RegisterDebugRoutes wires debug-only endpoints. /debug/node tells which
// node the router picked.
func RegisterDebugRoutes(router gin.IRoutes, cfg DebugConfig) {
	if !cfg.Enabled {
		return
	}

	router.GET("/debug/node", func(c *gin.Context) {
		connections := 0
		if cfg.Connections != nil {
			connections = cfg.Connections.Len()
		}
		c.JSON(http.StatusOK, gin.H{"node": cfg.NodeID, "connections": connections})
	})

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if cfg.Audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level := strings.ToUpper(c.DefaultQuery("level", "INFO"))
		if !auditLevels[level] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level"})
			return
		}
		requestID := requestIDFromContext(c)
		cfg.Audit.Emit(c.Request.Context(), level, "audit test from "+cfg.NodeID, requestID, userIDFromContext(c), c.Query("room_id"))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "requestId": requestID})
	})
}
