package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// InstanceStatus is the runtime status of a tenant instance.
type InstanceStatus string

const (
	StatusActive   InstanceStatus = "active"
	StatusInactive InstanceStatus = "inactive"
	StatusExpired  InstanceStatus = "expired"
	StatusFailed   InstanceStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// OAuthStatus tracks the vendor OAuth state of an instance.
type OAuthStatus string

const (
	OAuthPending   OAuthStatus = "pending"
	OAuthCompleted OAuthStatus = "completed"
	OAuthFailed    OAuthStatus = "failed"
	OAuthExpired   OAuthStatus = "expired"
)

// Instance is one tenant's provisioned connection to a vendor integration.
// This is a database-agnostic business entity.
type Instance struct {
	Id             string
	UserId         string
	MCPTypeId      string
	InstanceNumber int
	AssignedPort   int
	ProcessId      *int // nil once the backing process is gone
	Status         InstanceStatus

	// AccessToken is the opaque bearer credential issued to the instance's own callers.
	AccessToken string

	// Vendor OAuth state
	ClientId         string
	ClientSecret     string
	OAuthAccessToken string
	RefreshToken     string
	TokenExpiresAt   *time.Time
	OAuthStatus      OAuthStatus

	CustomName string
	Config     InstanceConfig
	ExpiresAt  *time.Time
	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive reports whether the instance is serving traffic.
func (i *Instance) IsActive() bool {
	return i.Status == StatusActive
}

// IsExpired reports whether the instance has passed its expiry date.
func (i *Instance) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// DisplayName returns the custom name or a generated "<type> #<n>" label.
func (i *Instance) DisplayName() string {
	if i.CustomName != "" {
		return i.CustomName
	}
	return fmt.Sprintf("%s #%d", i.MCPTypeId, i.InstanceNumber)
}

const (
	maxConfigBytes = 16 * 1024
	maxConfigKeys  = 64
)

var configKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

var ErrInvalidConfig = errors.New("invalid instance config")

// InstanceConfig is the per-instance settings blob. Only flat scalar values
// are accepted; Validate is called before anything reaches a store.
type InstanceConfig map[string]any

// Validate checks key names, value kinds and the encoded size.
func (c InstanceConfig) Validate() error {
	if len(c) > maxConfigKeys {
		return fmt.Errorf("%w: too many keys (%d > %d)", ErrInvalidConfig, len(c), maxConfigKeys)
	}
	for k, v := range c {
		if !configKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: bad key %q", ErrInvalidConfig, k)
		}
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		default:
			return fmt.Errorf("%w: key %q has unsupported value type %T", ErrInvalidConfig, k, v)
		}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(data) > maxConfigBytes {
		return fmt.Errorf("%w: encoded size %d exceeds %d bytes", ErrInvalidConfig, len(data), maxConfigBytes)
	}
	return nil
}

// Encode returns the JSON form stored in the database. A nil config encodes as "{}".
func (c InstanceConfig) Encode() (string, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeInstanceConfig parses a stored config blob.
func DecodeInstanceConfig(raw string) (InstanceConfig, error) {
	if raw == "" {
		return InstanceConfig{}, nil
	}
	var c InstanceConfig
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c == nil {
		c = InstanceConfig{}
	}
	return c, nil
}

// OAuthTokens is the vendor token set written back after a refresh.
type OAuthTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}
