package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DirectStrategy refreshes tokens against the vendor's own token endpoint.
type DirectStrategy struct {
	client *http.Client
}

// NewDirectStrategy creates a direct strategy. A nil client uses the
// oauth2 package default.
func NewDirectStrategy(client *http.Client) *DirectStrategy {
	return &DirectStrategy{client: client}
}

func (d *DirectStrategy) Name() string { return "direct" }

func (d *DirectStrategy) Refresh(ctx context.Context, req RefreshRequest) Result {
	if req.TokenURL == "" || req.ClientID == "" {
		return Result{Outcome: OutcomeSkipped}
	}

	cfg := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: req.TokenURL},
		Scopes:       req.Scopes,
	}
	if d.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && isTerminalRetrieveError(re) {
			return Result{Outcome: OutcomeTerminal, Err: err}
		}
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("vendor token refresh failed: %w", err)}
	}

	tokens := Tokens{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		tokens.ExpiresIn = time.Until(tok.Expiry)
	}
	return Result{Outcome: OutcomeSuccess, Tokens: tokens}
}

func isTerminalRetrieveError(re *oauth2.RetrieveError) bool {
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
}
