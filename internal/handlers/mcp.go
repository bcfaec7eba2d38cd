package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

// TypeLister lists the MCP type catalog
type TypeLister interface {
	List(ctx context.Context) ([]*models.MCPType, error)
}

// MCPTypeHandler serves the catalog of vendor integrations
type MCPTypeHandler struct {
	types TypeLister
}

// NewMCPTypeHandler creates a new MCP type handler
func NewMCPTypeHandler(types TypeLister) *MCPTypeHandler {
	return &MCPTypeHandler{types: types}
}

// List returns the active MCP types, optionally filtered by ?search=
// GET /api/v1/mcp-types
func (h *MCPTypeHandler) List(c *gin.Context) {
	types, err := h.types.List(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to list MCP types")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to retrieve MCP types",
		})
		return
	}

	searchLower := strings.ToLower(c.Query("search"))
	includeInactive := c.Query("all") == "true"

	out := make([]models.MCPType, 0, len(types))
	for _, t := range types {
		if !t.Active && !includeInactive {
			continue
		}
		if searchLower != "" &&
			!strings.Contains(strings.ToLower(t.Name), searchLower) &&
			!strings.Contains(strings.ToLower(t.DisplayName), searchLower) {
			continue
		}
		out = append(out, *t)
	}

	c.JSON(http.StatusOK, models.MCPTypeListResponse{
		Types: out,
		Total: len(out),
	})
}
