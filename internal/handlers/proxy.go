package handlers

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/middleware"
	"github.com/imyashkale/mcphost/internal/models"
)

// VendorAuthHeader carries the resolved vendor token to the backing process
const VendorAuthHeader = "X-Vendor-Authorization"

// ProxyHandler forwards tool calls to the backing process of an instance.
// It runs behind middleware.InstanceAuth, which puts the instance and the
// vendor token in the context.
type ProxyHandler struct {
	host      string
	transport http.RoundTripper
}

// NewProxyHandler creates a proxy to processes listening on 127.0.0.1
func NewProxyHandler() *ProxyHandler {
	return &ProxyHandler{host: "127.0.0.1", transport: http.DefaultTransport}
}

// Forward proxies /mcp/:instance_id/*path to the instance's port
func (h *ProxyHandler) Forward(c *gin.Context) {
	v, ok := c.Get(middleware.ContextInstance)
	inst, _ := v.(*models.Instance)
	if !ok || inst == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Instance not found in context",
		})
		return
	}
	vendorToken := c.GetString(middleware.ContextVendorToken)
	path := c.Param("path")
	if path == "" {
		path = "/"
	}

	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(h.host, strconv.Itoa(inst.AssignedPort)),
	}
	log := logger.WithInstance(inst.Id)

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.URL.Path = path
			r.Out.URL.RawPath = ""
			r.Out.Header.Del("Authorization")
			if vendorToken != "" {
				r.Out.Header.Set(VendorAuthHeader, "Bearer "+vendorToken)
			}
			r.SetXForwarded()
		},
		Transport: h.transport,
		// streamable HTTP responses may be server-sent events
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithError(err).WithField("port", inst.AssignedPort).Warn("Instance process unreachable")
			c.JSON(http.StatusBadGateway, models.ErrorResponse{
				Error:   "instance_unreachable",
				Message: "Instance process did not respond",
			})
		},
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}
