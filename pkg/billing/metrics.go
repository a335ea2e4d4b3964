package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing
	// provider. status: "success", "error", "duplicate" or "orphan".
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long processing took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error".
	RecordWebhookError(provider, errorType string)

	// RecordPlanChange records a provider-driven plan transition.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordAPICall records an outbound API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
