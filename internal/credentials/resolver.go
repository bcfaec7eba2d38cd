package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/metrics"
	"github.com/imyashkale/mcphost/internal/models"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrReauthRequired means the vendor refused the refresh token. The user
	// has to authorize the instance again.
	ErrReauthRequired = errors.New("vendor reauthorization required")
	// ErrRefreshRetryable means the refresh failed for a transient reason.
	// The stored refresh token is untouched.
	ErrRefreshRetryable = errors.New("vendor token refresh temporarily failed")
)

// State is where a resolution ended in the token resolution state machine.
type State string

const (
	StateCachedValid    State = "cached_valid"
	StateDBValid        State = "db_valid"
	StateRefreshed      State = "refreshed"
	StateReauthRequired State = "reauth_required"
	StateRetryable      State = "retryable"
)

const (
	defaultSkew    = time.Minute
	refreshTimeout = 30 * time.Second
)

// InstanceStore is the part of the instance repository the resolver needs.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*models.Instance, error)
	UpdateOAuthTokens(ctx context.Context, id string, tokens models.OAuthTokens) error
	MarkOAuthStatus(ctx context.Context, id string, status models.OAuthStatus) error
}

// TypeStore looks up catalog entries.
type TypeStore interface {
	Get(ctx context.Context, id string) (*models.MCPType, error)
}

// Resolution is a usable vendor bearer token.
type Resolution struct {
	BearerToken string
	ExpiresAt   time.Time // zero when the token does not expire
	UserID      string
	State       State
}

// Resolver turns an instance id into a valid vendor bearer token, going
// from cache to store to refresh as needed.
type Resolver struct {
	cache      *Cache
	instances  InstanceStore
	types      TypeStore
	strategies []Strategy
	skew       time.Duration
	now        func() time.Time
	group      singleflight.Group
}

// NewResolver creates a resolver. Strategies are tried in order.
func NewResolver(cache *Cache, instances InstanceStore, types TypeStore, skew time.Duration, strategies ...Strategy) *Resolver {
	if skew <= 0 {
		skew = defaultSkew
	}
	return &Resolver{
		cache:      cache,
		instances:  instances,
		types:      types,
		strategies: strategies,
		skew:       skew,
		now:        time.Now,
	}
}

// Resolve returns the vendor token of an instance. It fails with
// ErrReauthRequired or ErrRefreshRetryable when the token could not be
// refreshed. Concurrent calls for the same instance share one lookup.
func (r *Resolver) Resolve(ctx context.Context, instanceID string) (Resolution, error) {
	if e, ok := r.cache.Get(instanceID); ok && !e.Expired(r.now(), r.skew) {
		r.record(StateCachedValid)
		return r.resolution(e, StateCachedValid), nil
	}

	ch := r.group.DoChan(instanceID, func() (interface{}, error) {
		// Shared by every waiter, so it must not die with the first caller.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.load(lctx, instanceID)
	})

	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Resolution{}, res.Err
		}
		return res.Val.(Resolution), nil
	}
}

func (r *Resolver) load(ctx context.Context, instanceID string) (Resolution, error) {
	inst, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load instance: %w", err)
	}

	if inst.OAuthStatus == models.OAuthFailed {
		r.record(StateReauthRequired)
		return Resolution{}, ErrReauthRequired
	}

	if inst.OAuthAccessToken != "" {
		e := Entry{
			BearerToken:  inst.OAuthAccessToken,
			RefreshToken: inst.RefreshToken,
			UserID:       inst.UserId,
		}
		if inst.TokenExpiresAt != nil {
			e.ExpiresAt = inst.TokenExpiresAt.UnixMilli()
		}
		if !e.Expired(r.now(), r.skew) {
			r.cache.Set(instanceID, e)
			r.record(StateDBValid)
			return r.resolution(e, StateDBValid), nil
		}
	}

	return r.refresh(ctx, inst)
}

func (r *Resolver) refresh(ctx context.Context, inst *models.Instance) (Resolution, error) {
	log := logger.WithInstance(inst.Id)

	if inst.RefreshToken == "" {
		return Resolution{}, r.reauth(ctx, inst, errors.New("no refresh token stored"))
	}

	req := RefreshRequest{
		InstanceID:   inst.Id,
		MCPTypeID:    inst.MCPTypeId,
		RefreshToken: inst.RefreshToken,
		ClientID:     inst.ClientId,
		ClientSecret: inst.ClientSecret,
	}
	if t, err := r.types.Get(ctx, inst.MCPTypeId); err == nil {
		req.TokenURL = t.TokenURL
		req.Scopes = t.Scopes
	} else {
		log.WithError(err).Warn("Failed to load mcp type for token refresh")
	}

	res := refresh(ctx, r.strategies, req)
	switch res.Outcome {
	case OutcomeSuccess:
	case OutcomeTerminal:
		return Resolution{}, r.reauth(ctx, inst, res.Err)
	default:
		r.record(StateRetryable)
		log.WithError(res.Err).Warn("Vendor token refresh failed, will retry later")
		return Resolution{}, fmt.Errorf("%w: %v", ErrRefreshRetryable, res.Err)
	}

	tokens := models.OAuthTokens{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = inst.RefreshToken
	}
	e := Entry{BearerToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, UserID: inst.UserId}
	if res.Tokens.ExpiresIn > 0 {
		at := r.now().Add(res.Tokens.ExpiresIn).UTC()
		tokens.ExpiresAt = &at
		e.ExpiresAt = at.UnixMilli()
	}

	if err := r.instances.UpdateOAuthTokens(ctx, inst.Id, tokens); err != nil {
		return Resolution{}, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}
	r.cache.Set(inst.Id, e)
	r.record(StateRefreshed)
	log.Info("Vendor token refreshed")
	return r.resolution(e, StateRefreshed), nil
}

// reauth marks the instance's OAuth state failed so later requests stop
// trying to refresh.
func (r *Resolver) reauth(ctx context.Context, inst *models.Instance, cause error) error {
	r.cache.Invalidate(inst.Id)
	r.record(StateReauthRequired)

	log := logger.WithInstance(inst.Id).WithError(cause)
	log.Warn("Vendor rejected refresh, reauthorization required")
	if err := r.instances.MarkOAuthStatus(ctx, inst.Id, models.OAuthFailed); err != nil {
		log.WithField("mark_error", err.Error()).Error("Failed to mark instance oauth status failed")
	}
	return fmt.Errorf("%w: %v", ErrReauthRequired, cause)
}

func (r *Resolver) resolution(e Entry, state State) Resolution {
	res := Resolution{BearerToken: e.BearerToken, UserID: e.UserID, State: state}
	if e.ExpiresAt != 0 {
		res.ExpiresAt = time.UnixMilli(e.ExpiresAt)
	}
	return res
}

func (r *Resolver) record(state State) {
	metrics.CredentialResolutions.WithLabelValues(string(state)).Inc()
}
