// Package mcpserver is the MCP server run by each backing instance process.
// The host proxies tool traffic to it over streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/imyashkale/mcphost/internal/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// EndpointPath is where the streamable HTTP transport is mounted
	EndpointPath = "/mcp"

	version = "0.1.0"

	vendorAuthHeader = "X-Vendor-Authorization"
)

type vendorTokenKey struct{}

// Info identifies the instance a process serves
type Info struct {
	InstanceID string
	Vendor     string
	Port       int
	Config     models.InstanceConfig
	// StartupToken is the vendor token passed in the environment at spawn.
	// A token on the request wins over it.
	StartupToken string
}

// Server wraps the MCP server of one instance
type Server struct {
	info      Info
	mcpServer *server.MCPServer
	started   time.Time
}

// InstanceInfo is the payload of the instance_info tool
type InstanceInfo struct {
	InstanceID     string    `json:"instance_id"`
	Vendor         string    `json:"vendor"`
	Port           int       `json:"port"`
	ConfigKeys     []string  `json:"config_keys"`
	HasVendorToken bool      `json:"has_vendor_token"`
	StartedAt      time.Time `json:"started_at"`
}

// New creates the MCP server for an instance and registers its tools
func New(info Info) *Server {
	s := &Server{
		info:      info,
		mcpServer: server.NewMCPServer("mcphost-"+info.Vendor, version, server.WithToolCapabilities(false)),
		started:   time.Now(),
	}

	s.mcpServer.AddTool(mcp.NewTool("instance_info",
		mcp.WithDescription("Describe this instance: id, vendor, port and which settings are configured."),
	), s.handleInstanceInfo)

	s.mcpServer.AddTool(mcp.NewTool("ping",
		mcp.WithDescription("Check that the instance is reachable. Echoes the message, or pong."),
		mcp.WithString("message", mcp.Description("Text to echo back")),
	), s.handlePing)

	return s
}

// HTTPServer returns the streamable HTTP transport for the server. The vendor
// token forwarded by the host is moved from the request into the context.
func (s *Server) HTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(EndpointPath),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if tok := strings.TrimPrefix(r.Header.Get(vendorAuthHeader), "Bearer "); tok != "" {
				return context.WithValue(ctx, vendorTokenKey{}, tok)
			}
			return ctx
		}),
	)
}

func (s *Server) vendorToken(ctx context.Context) string {
	if tok, ok := ctx.Value(vendorTokenKey{}).(string); ok && tok != "" {
		return tok
	}
	return s.info.StartupToken
}

func (s *Server) handleInstanceInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := make([]string, 0, len(s.info.Config))
	for k := range s.info.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out, err := json.Marshal(InstanceInfo{
		InstanceID:     s.info.InstanceID,
		Vendor:         s.info.Vendor,
		Port:           s.info.Port,
		ConfigKeys:     keys,
		HasVendorToken: s.vendorToken(ctx) != "",
		StartedAt:      s.started,
	})
	if err != nil {
		return mcp.NewToolResultError("failed to encode instance info: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handlePing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(request.GetString("message", "pong")), nil
}
