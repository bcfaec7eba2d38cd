package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const brokerTimeout = 15 * time.Second

// BrokerStrategy refreshes tokens through a central OAuth broker service.
type BrokerStrategy struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewBrokerStrategy creates a broker strategy that sends at most rps refresh
// calls per second. An empty baseURL disables the strategy.
func NewBrokerStrategy(baseURL string, rps float64, client *http.Client) *BrokerStrategy {
	if client == nil {
		client = &http.Client{Timeout: brokerTimeout}
	}
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &BrokerStrategy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (b *BrokerStrategy) Name() string { return "broker" }

type brokerRequest struct {
	MCPType      string `json:"mcp_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type brokerResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *BrokerStrategy) Refresh(ctx context.Context, req RefreshRequest) Result {
	if b.baseURL == "" {
		return Result{Outcome: OutcomeSkipped}
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("broker rate limit: %w", err)}
	}

	body, err := json.Marshal(brokerRequest{
		MCPType:      req.MCPTypeID,
		RefreshToken: req.RefreshToken,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
	})
	if err != nil {
		return Result{Outcome: OutcomeTerminal, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeTerminal, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("broker request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("failed to read broker response: %w", err)}
	}
	var out brokerResponse
	// Error bodies are not always JSON; the status code decides then.
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusOK:
		if out.AccessToken == "" {
			return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("broker returned no access token")}
		}
		return Result{Outcome: OutcomeSuccess, Tokens: Tokens{
			AccessToken:  out.AccessToken,
			RefreshToken: out.RefreshToken,
			ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
		}}
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusBadRequest && out.Error == "invalid_grant":
		return Result{Outcome: OutcomeTerminal, Err: fmt.Errorf("broker rejected refresh token (%d %s): %s", resp.StatusCode, out.Error, out.ErrorDescription)}
	default:
		return Result{Outcome: OutcomeRetryable, Err: fmt.Errorf("broker returned status %d", resp.StatusCode)}
	}
}
