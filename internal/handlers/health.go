package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	ports PortInspector
	procs ProcessLister
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(ports PortInspector, procs ProcessLister) *HealthHandler {
	return &HealthHandler{ports: ports, procs: procs}
}

// Check handles the health check endpoint. It reports degraded when the
// port pool is exhausted, since no new instance can be created.
func (h *HealthHandler) Check(c *gin.Context) {
	r := h.ports.Range()
	status := "healthy"
	if r.Available == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"timestamp":       time.Now(),
		"service":         "mcphost",
		"ports_available": r.Available,
		"processes":       len(h.procs.ActiveProcesses()),
	})
}
