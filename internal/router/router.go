package router

import (
	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/handlers"
	"github.com/imyashkale/mcphost/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups everything the router mounts
type Handlers struct {
	Health    *handlers.HealthHandler
	Instances *handlers.InstanceHandler
	Types     *handlers.MCPTypeHandler
	Admin     *handlers.AdminHandler
	Proxy     *handlers.ProxyHandler

	// UserAuth authenticates /api/v1 requests
	UserAuth gin.HandlerFunc
	// InstanceAuth authenticates /mcp requests with instance access tokens
	InstanceAuth gin.HandlerFunc
}

// Setup configures and returns the application router
func Setup(h Handlers) *gin.Engine {
	// Create a new Gin router
	router := gin.Default()

	// Apply CORS middleware globally
	router.Use(middleware.CORS())

	router.GET("/health", h.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(h.UserAuth)

	instances := v1.Group("/instances")
	{
		instances.POST("", h.Instances.Create)
		instances.GET("", h.Instances.List)
		instances.GET("/:id", h.Instances.Get)
		instances.DELETE("/:id", h.Instances.Delete)
		instances.POST("/:id/restart", h.Instances.Restart)
		instances.GET("/:id/logs", h.Instances.Logs)
	}

	v1.GET("/mcp-types", h.Types.List)

	admin := v1.Group("/admin")
	{
		admin.GET("/ports", h.Admin.Ports)
		admin.GET("/processes", h.Admin.Processes)
	}

	// Tool traffic, authenticated by instance access token
	router.Any("/mcp/:instance_id/*path", h.InstanceAuth, h.Proxy.Forward)

	return router
}
