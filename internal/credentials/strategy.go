package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/imyashkale/mcphost/internal/logger"
)

// Outcome is the result class of a refresh attempt.
type Outcome int

const (
	// OutcomeSkipped means the strategy does not apply, e.g. it is not
	// configured for this instance.
	OutcomeSkipped Outcome = iota
	OutcomeSuccess
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	}
	return "skipped"
}

// RefreshRequest carries what a strategy needs to refresh a vendor token.
type RefreshRequest struct {
	InstanceID   string
	MCPTypeID    string
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Tokens is a refreshed vendor token set. An empty RefreshToken means the
// vendor did not rotate it. A zero ExpiresIn means no expiry was given.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Result is what a strategy returns.
type Result struct {
	Outcome Outcome
	Tokens  Tokens
	Err     error
}

// Strategy is one way of refreshing a vendor token.
type Strategy interface {
	Name() string
	Refresh(ctx context.Context, req RefreshRequest) Result
}

var errNoStrategy = errors.New("no refresh strategy applies")

// refresh tries strategies in order. It stops at the first success or
// terminal result; otherwise the last retryable result is returned.
func refresh(ctx context.Context, strategies []Strategy, req RefreshRequest) Result {
	last := Result{Outcome: OutcomeRetryable, Err: errNoStrategy}
	for _, s := range strategies {
		res := s.Refresh(ctx, req)

		logger.WithInstance(req.InstanceID).WithFields(map[string]interface{}{
			"strategy": s.Name(),
			"outcome":  res.Outcome.String(),
		}).Debug("Token refresh attempt finished")

		switch res.Outcome {
		case OutcomeSuccess, OutcomeTerminal:
			return res
		case OutcomeRetryable:
			last = res
		}
	}
	return last
}
