package models

import "time"

// CreateInstanceRequest represents the request body for provisioning an instance
type CreateInstanceRequest struct {
	MCPTypeId         string         `json:"mcp_type_id" binding:"required"`
	CustomName        string         `json:"custom_name" binding:"max=100"`
	Config            InstanceConfig `json:"config"`
	ClientId          string         `json:"client_id"`
	ClientSecret      string         `json:"client_secret"`
	VendorAccessToken string         `json:"access_token"`
	RefreshToken      string         `json:"refresh_token"`
	ExpiresIn         int64          `json:"expires_in"` // seconds until the vendor access token expires
	ExpiresAt         *time.Time     `json:"expires_at"` // optional instance expiry
}

// InstanceResponse represents the response structure for a single instance.
// AccessToken is only populated on creation.
type InstanceResponse struct {
	Id             string         `json:"id"`
	UserId         string         `json:"user_id"`
	MCPTypeId      string         `json:"mcp_type_id"`
	InstanceNumber int            `json:"instance_number"`
	Name           string         `json:"name"`
	Status         InstanceStatus `json:"status"`
	OAuthStatus    OAuthStatus    `json:"oauth_status"`
	AssignedPort   int            `json:"assigned_port"`
	ProcessId      *int           `json:"process_id,omitempty"`
	AccessToken    string         `json:"access_token,omitempty"`
	Config         InstanceConfig `json:"config,omitempty"`
	UsageCount     int64          `json:"usage_count"`
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// InstanceListResponse represents the response structure for listing instances
type InstanceListResponse struct {
	Instances []InstanceResponse `json:"instances"`
	Total     int                `json:"total"`
}

// ToResponse converts a domain Instance to an InstanceResponse DTO without secrets
func (i *Instance) ToResponse() InstanceResponse {
	return InstanceResponse{
		Id:             i.Id,
		UserId:         i.UserId,
		MCPTypeId:      i.MCPTypeId,
		InstanceNumber: i.InstanceNumber,
		Name:           i.DisplayName(),
		Status:         i.Status,
		OAuthStatus:    i.OAuthStatus,
		AssignedPort:   i.AssignedPort,
		ProcessId:      i.ProcessId,
		Config:         i.Config,
		UsageCount:     i.UsageCount,
		LastUsedAt:     i.LastUsedAt,
		ExpiresAt:      i.ExpiresAt,
		CreatedAt:      i.CreatedAt,
	}
}

// PortRangeResponse is the allocator introspection payload
type PortRangeResponse struct {
	Start     int   `json:"start"`
	End       int   `json:"end"`
	Total     int   `json:"total"`
	Used      int   `json:"used"`
	Available int   `json:"available"`
	UsedPorts []int `json:"used_ports"`
}

// ProcessInfo describes a tracked backing process
type ProcessInfo struct {
	InstanceId string    `json:"instance_id"`
	Pid        int       `json:"pid"`
	Port       int       `json:"port"`
	VendorType string    `json:"vendor_type"`
	StartedAt  time.Time `json:"started_at"`
}

// ProcessListResponse lists tracked processes
type ProcessListResponse struct {
	Processes []ProcessInfo `json:"processes"`
	Total     int           `json:"total"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ProcessOutputLine is one line of backing process output
type ProcessOutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// ProcessOutputResponse is the recent output of an instance's process
type ProcessOutputResponse struct {
	InstanceId string              `json:"instance_id"`
	Lines      []ProcessOutputLine `json:"lines"`
	Truncated  bool                `json:"truncated"`
}
