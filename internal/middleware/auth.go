package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/models"
)

// Context keys set by the middlewares
const (
	ContextUserID      = "user_id"
	ContextClaims      = "token_claims"
	ContextInstance    = "instance"
	ContextVendorToken = "vendor_token"
)

const bearerPrefix = "Bearer "

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrMissingUserID     = errors.New("missing user ID in token")
	ErrKeyNotFound       = errors.New("unable to find appropriate key")
)

// JWKSet represents a JSON Web Key Set
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string   `json:"kid"`
	Kty string   `json:"kty"`
	Use string   `json:"use"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
}

// Auth0Config holds Auth0 configuration
type Auth0Config struct {
	Domain   string
	Audience string

	client   *http.Client
	mu       sync.Mutex
	certs    map[string]string
	cachedAt time.Time
}

const jwksCacheTTL = time.Hour

// NewAuth0Config creates a new Auth0 configuration
func NewAuth0Config(domain, audience string) *Auth0Config {
	return &Auth0Config{
		Domain:   domain,
		Audience: audience,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) == len(bearerPrefix) {
		return "", ErrMissingAuthHeader
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):]), nil
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: code, Message: message})
}

// setUser stores the subject of verified claims in the gin context
func setUser(c *gin.Context, claims jwt.MapClaims) bool {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		logger.WithField("path", c.Request.URL.Path).Warn("Authentication failed: missing user ID in token")
		abort(c, http.StatusUnauthorized, "invalid_token", ErrMissingUserID.Error())
		return false
	}
	c.Set(ContextUserID, sub)
	c.Set(ContextClaims, claims)
	return true
}

// Authentication parses the user JWT without verifying its signature. It is
// meant for local development; production deployments configure Auth0 and
// use AuthenticationWithAuth0.
func Authentication() gin.HandlerFunc {
	parser := jwt.NewParser()
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			logger.WithField("path", c.Request.URL.Path).Warn("Authentication failed: missing or invalid authorization header")
			abort(c, http.StatusUnauthorized, "unauthorized", "Missing or invalid authorization header")
			return
		}

		if parts := strings.Split(tokenString, "."); len(parts) != 3 {
			abort(c, http.StatusUnauthorized, "malformed_token",
				fmt.Sprintf("JWT token must have 3 parts (header.payload.signature), got %d part(s)", len(parts)))
			return
		}

		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
			logger.Debugf("Token parse error: %v", err)
			abort(c, http.StatusUnauthorized, "invalid_token", fmt.Sprintf("Failed to parse token: %v", err))
			return
		}

		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && time.Now().After(exp.Time) {
			logger.WithField("path", c.Request.URL.Path).Warn("Authentication failed: token expired")
			abort(c, http.StatusUnauthorized, "token_expired", "Token has expired")
			return
		}

		if !setUser(c, claims) {
			return
		}
		c.Next()
	}
}

// AuthenticationWithAuth0 validates Auth0 JWT tokens with full verification
func AuthenticationWithAuth0(config *Auth0Config) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(fmt.Sprintf("https://%s/", config.Domain)),
		jwt.WithExpirationRequired(),
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			logger.WithField("path", c.Request.URL.Path).Warn("Auth0 authentication failed: missing or invalid authorization header")
			abort(c, http.StatusUnauthorized, "unauthorized", "Missing or invalid authorization header")
			return
		}

		claims := jwt.MapClaims{}
		_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			cert, err := config.pemCert(token)
			if err != nil {
				return nil, err
			}
			return jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			}).Warn("Auth0 authentication failed: token validation error")
			code := "invalid_token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "token_expired"
			}
			abort(c, http.StatusUnauthorized, code, err.Error())
			return
		}

		if !setUser(c, claims) {
			return
		}
		c.Next()
	}
}

// pemCert returns the signing certificate for the token's kid from Auth0's
// JWKS endpoint. The key set is cached and refetched on an unknown kid.
func (a *Auth0Config) pemCert(token *jwt.Token) (string, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return "", errors.New("missing kid in token header")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if cert, ok := a.certs[kid]; ok && time.Since(a.cachedAt) < jwksCacheTTL {
		return cert, nil
	}

	certs, err := a.fetchCerts()
	if err != nil {
		return "", err
	}
	a.certs = certs
	a.cachedAt = time.Now()

	if cert, ok := certs[kid]; ok {
		return cert, nil
	}
	return "", ErrKeyNotFound
}

func (a *Auth0Config) fetchCerts() (map[string]string, error) {
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)

	resp, err := a.client.Get(jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	certs := make(map[string]string, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if len(key.X5c) > 0 {
			certs[key.Kid] = fmt.Sprintf("-----BEGIN CERTIFICATE-----\n%s\n-----END CERTIFICATE-----", key.X5c[0])
		}
	}
	return certs, nil
}

// UserID returns the authenticated user set by the authentication middleware
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
