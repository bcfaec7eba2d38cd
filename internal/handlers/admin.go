package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/ports"
	"github.com/imyashkale/mcphost/internal/process"
)

// PortInspector exposes allocator occupancy
type PortInspector interface {
	Range() ports.PortRange
	UsedPorts() []int
}

// ProcessLister exposes the tracked backing processes
type ProcessLister interface {
	ActiveProcesses() []process.Info
}

var (
	_ PortInspector = (*ports.Allocator)(nil)
	_ ProcessLister = (*process.Manager)(nil)
)

// AdminHandler serves host introspection endpoints
type AdminHandler struct {
	ports PortInspector
	procs ProcessLister
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(ports PortInspector, procs ProcessLister) *AdminHandler {
	return &AdminHandler{ports: ports, procs: procs}
}

// Ports reports the port pool and the ports in use
// GET /api/v1/admin/ports
func (h *AdminHandler) Ports(c *gin.Context) {
	r := h.ports.Range()
	c.JSON(http.StatusOK, models.PortRangeResponse{
		Start:     r.Start,
		End:       r.End,
		Total:     r.Total,
		Used:      r.Used,
		Available: r.Available,
		UsedPorts: h.ports.UsedPorts(),
	})
}

// Processes lists the running backing processes
// GET /api/v1/admin/processes
func (h *AdminHandler) Processes(c *gin.Context) {
	infos := h.procs.ActiveProcesses()
	out := make([]models.ProcessInfo, 0, len(infos))
	for _, p := range infos {
		out = append(out, models.ProcessInfo{
			InstanceId: p.InstanceID,
			Pid:        p.PID,
			Port:       p.Port,
			VendorType: p.VendorType,
			StartedAt:  p.StartedAt,
		})
	}
	c.JSON(http.StatusOK, models.ProcessListResponse{
		Processes: out,
		Total:     len(out),
	})
}
