package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/credentials"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
	"github.com/imyashkale/mcphost/internal/repository"
)

const retryAfterSeconds = "30"

// InstanceLookup finds instances by their access token and records usage
type InstanceLookup interface {
	GetByAccessToken(ctx context.Context, token string) (*models.Instance, error)
	RecordUsage(ctx context.Context, id string, at time.Time) error
}

// CredentialResolver resolves the vendor bearer token of an instance
type CredentialResolver interface {
	Resolve(ctx context.Context, instanceID string) (credentials.Resolution, error)
}

// InstanceAuth authenticates calls to an instance's tool endpoint with the
// instance access token and resolves the vendor credentials the call needs.
// The instance id in the route must match the token's instance.
func InstanceAuth(lookup InstanceLookup, resolver CredentialResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token, err := bearerToken(c)
		if err != nil || !strings.HasPrefix(token, "mcp_") {
			abort(c, http.StatusUnauthorized, "unauthorized", "Missing or invalid instance access token")
			return
		}

		inst, err := lookup.GetByAccessToken(ctx, token)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				logger.WithError(err).Error("Failed to look up instance access token")
				abort(c, http.StatusInternalServerError, "internal_error", "Failed to authenticate instance")
				return
			}
			abort(c, http.StatusUnauthorized, "unauthorized", "Unknown instance access token")
			return
		}

		log := logger.WithInstance(inst.Id)
		if inst.Id != c.Param("instance_id") {
			log.WithField("requested", c.Param("instance_id")).Warn("Access token used for another instance")
			abort(c, http.StatusForbidden, "forbidden", "Access token does not belong to this instance")
			return
		}
		if inst.IsExpired(time.Now()) {
			abort(c, http.StatusForbidden, "instance_expired", "Instance has expired")
			return
		}
		if !inst.IsActive() {
			c.Header("Retry-After", retryAfterSeconds)
			abort(c, http.StatusServiceUnavailable, "instance_not_active", "Instance is "+string(inst.Status))
			return
		}

		res, err := resolver.Resolve(ctx, inst.Id)
		switch {
		case err == nil:
		case errors.Is(err, credentials.ErrReauthRequired):
			abort(c, http.StatusUnauthorized, "reauth_required", "Vendor authorization expired, reconnect the instance")
			return
		case errors.Is(err, credentials.ErrRefreshRetryable):
			c.Header("Retry-After", retryAfterSeconds)
			abort(c, http.StatusServiceUnavailable, "credentials_unavailable", "Vendor token refresh failed, try again later")
			return
		default:
			log.WithError(err).Error("Failed to resolve vendor credentials")
			abort(c, http.StatusInternalServerError, "internal_error", "Failed to resolve vendor credentials")
			return
		}

		if err := lookup.RecordUsage(ctx, inst.Id, time.Now()); err != nil {
			log.WithError(err).Warn("Failed to record instance usage")
		}

		c.Set(ContextUserID, inst.UserId)
		c.Set(ContextInstance, inst)
		c.Set(ContextVendorToken, res.BearerToken)
		c.Next()
	}
}
