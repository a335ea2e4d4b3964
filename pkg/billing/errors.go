package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly
	// configured.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature
	// validation fails. No state is changed.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot
	// be parsed.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrMissingMetadata is returned when a checkout event lacks the user
	// or plan metadata the reconciler needs.
	ErrMissingMetadata = errors.New("required metadata missing on event")

	// ErrPlanNotConfigured is returned when a plan has no price mapping.
	ErrPlanNotConfigured = errors.New("plan not configured in price mapping")
)
