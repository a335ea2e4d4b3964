package billing

import "net/http"

// Provider is the generic interface a billing backend implements.
// The reconciliation logic lives behind WebhookHandler, so the application
// can swap payment processors with zero ledger changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes provider
	// events. The implementation handles signature verification, parsing,
	// idempotency, and ledger updates internally.
	WebhookHandler() http.Handler
}
