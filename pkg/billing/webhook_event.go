package billing

import (
	"context"
	"time"
)

// WebhookEvent describes a successfully reconciled provider event. It is
// passed to the WebhookCallback after the ledger mutation has committed.
type WebhookEvent struct {
	// UserID is the internal user identifier.
	UserID string

	// PreviousPlan is the plan before the event was applied.
	PreviousPlan string

	// NewPlan is the plan after the event was applied.
	NewPlan string

	// Provider is the billing provider name ("stripe").
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "checkout.session.completed".
	EventType string

	// EventID is the provider-assigned unique event identifier.
	EventID string

	// EventTimestamp is when the event occurred (from the provider).
	EventTimestamp time.Time

	// PeriodEnd is the subscription period end carried by the event,
	// nil when the event does not carry one.
	PeriodEnd *time.Time
}

// WebhookCallback is invoked after a webhook successfully mutates the
// ledger. It is best-effort: a returned error is logged and never rolls the
// mutation back. Typical use is analytics tracking of subscription changes.
type WebhookCallback func(ctx context.Context, event *WebhookEvent) error
