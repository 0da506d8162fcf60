package handler

import (
	"net/http"

	"Deskwire/internal/cache"
	"Deskwire/internal/hub"

	"github.com/gin-gonic/gin"
)

// MonitorHandler handles monitoring API endpoints
type MonitorHandler interface {
	GetHubStats(c *gin.Context)
	GetOnlineAgents(c *gin.Context)
}

type monitorHandler struct {
	monitorService *hub.MonitorService
	presence       *cache.PresenceStore
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(monitorService *hub.MonitorService, presence *cache.PresenceStore) MonitorHandler {
	return &monitorHandler{
		monitorService: monitorService,
		presence:       presence,
	}
}

// GetHubStats returns current hub statistics
func (h *monitorHandler) GetHubStats(c *gin.Context) {
	stats := h.monitorService.GetStats()
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetOnlineAgents lists the agents of an org currently holding a live
// connection on any instance.
func (h *monitorHandler) GetOnlineAgents(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence store not configured"})
		return
	}

	orgID := c.Param("orgId")
	agents, err := h.presence.OnlineAgents(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents})
}
