package billing

import (
	"net/http"

	"github.com/velumail/credits/pkg/credits"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Service is the ledger service that billing events are reconciled
	// into. Required.
	Service *credits.Service

	// PriceMapping maps plans to provider price identifiers, used when
	// creating checkout sessions.
	PriceMapping map[credits.Plan]string

	// WebhookSecret verifies incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client

	// Callback is invoked after each successful reconciliation.
	// Best-effort; see WebhookCallback.
	Callback WebhookCallback

	// Logger is used for structured logging (default: credits.NoopLogger).
	Logger credits.Logger

	// Metrics is an optional metrics collector for webhook operations.
	// If nil, metrics are silently ignored.
	Metrics Metrics
}
