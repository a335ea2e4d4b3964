package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/velumail/credits/pkg/billing"
	"github.com/velumail/credits/pkg/billing/internal"
	"github.com/velumail/credits/pkg/credits"
)

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Reject before touching any state when the signature fails. The
	// provider's own retry policy governs redelivery.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches on event type. Unknown types ack silently.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionCancelled(ctx, event)
	default:
		return nil
	}
}

// handleCheckoutCompleted applies a completed checkout as an absolute plan
// grant: the balance becomes the plan's quota, never quota-on-top, so a
// redundant completion event cannot double-grant.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := session.Metadata[metadataUserID]
	planName := session.Metadata[metadataPlan]
	if userID == "" || planName == "" {
		return fmt.Errorf("%w: checkout session %s", billing.ErrMissingMetadata, session.ID)
	}
	plan := credits.Plan(planName)

	subscriptionRef := ""
	if session.Subscription != nil {
		subscriptionRef = session.Subscription.ID
	}
	if subscriptionRef == "" {
		// Not a subscription checkout - ignore
		return nil
	}

	periodEnd := p.periodEndForCheckout(&session, plan)

	// Previous plan read for the callback only; the grant itself is
	// absolute and does not depend on it.
	prev, err := p.service.GetAccount(ctx, userID)
	if err != nil {
		return err
	}

	acct, err := p.service.SetPlan(ctx, credits.PlanChange{
		UserID:     userID,
		Plan:       plan,
		RenewalAt:  &periodEnd,
		BillingRef: subscriptionRef,
		PriceRef:   session.Metadata[metadataPrice],
		Reason:     credits.ReasonUpgrade,
		EventID:    event.ID,
	})
	if errors.Is(err, credits.ErrDuplicateEvent) {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "duplicate")
		return nil
	}
	if err != nil {
		return err
	}

	p.metrics.RecordPlanChange(providerName, string(prev.Plan), string(acct.Plan))
	p.notifyCallback(&billing.WebhookEvent{
		UserID:         userID,
		PreviousPlan:   string(prev.Plan),
		NewPlan:        string(acct.Plan),
		Provider:       providerName,
		EventType:      string(event.Type),
		EventID:        event.ID,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		PeriodEnd:      &periodEnd,
	})
	return nil
}

// handleInvoicePaid extends the renewal window and credits the plan's quota.
// An invoice whose subscription matches no account may have raced ahead of
// checkout completion: it is logged and dropped, never retried internally.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	subscriptionRef := extractSubscriptionID(event.Data.Raw)
	if subscriptionRef == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	var payload struct {
		PeriodEnd int64 `json:"period_end"`
	}
	if err := json.Unmarshal(event.Data.Raw, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	acct, err := p.service.AccountByBillingRef(ctx, subscriptionRef)
	if errors.Is(err, credits.ErrAccountNotFound) {
		p.logger.Warn("invoice for unknown subscription dropped",
			credits.Field{Key: "subscription_ref", Value: subscriptionRef},
			credits.Field{Key: "event_id", Value: event.ID})
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "orphan")
		return nil
	}
	if err != nil {
		return err
	}

	periodEnd := time.Unix(payload.PeriodEnd, 0).UTC()
	if payload.PeriodEnd == 0 {
		periodEnd = p.fallbackPeriodEnd(acct.Plan)
	}

	renewed, err := p.service.Renew(ctx, acct.UserID, periodEnd, event.ID)
	if errors.Is(err, credits.ErrDuplicateEvent) {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "duplicate")
		return nil
	}
	if errors.Is(err, credits.ErrAccountNotFound) {
		// Subscription detached between lookup and grant (a racing
		// cancellation). Treat like an orphan invoice.
		p.logger.Warn("invoice for detached subscription dropped",
			credits.Field{Key: "subscription_ref", Value: subscriptionRef},
			credits.Field{Key: "event_id", Value: event.ID})
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "orphan")
		return nil
	}
	if err != nil {
		return err
	}

	p.notifyCallback(&billing.WebhookEvent{
		UserID:         renewed.UserID,
		PreviousPlan:   string(acct.Plan),
		NewPlan:        string(renewed.Plan),
		Provider:       providerName,
		EventType:      string(event.Type),
		EventID:        event.ID,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		PeriodEnd:      &periodEnd,
	})
	return nil
}

// handleSubscriptionCancelled resets the account to the Free plan with an
// absolute balance set and clears the billing references.
func (p *Provider) handleSubscriptionCancelled(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	acct, err := p.service.AccountByBillingRef(ctx, subscription.ID)
	if errors.Is(err, credits.ErrAccountNotFound) {
		p.logger.Warn("cancellation for unknown subscription dropped",
			credits.Field{Key: "subscription_ref", Value: subscription.ID},
			credits.Field{Key: "event_id", Value: event.ID})
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "orphan")
		return nil
	}
	if err != nil {
		return err
	}

	reset, err := p.service.SetPlan(ctx, credits.PlanChange{
		UserID:  acct.UserID,
		Plan:    credits.PlanFree,
		Reason:  credits.ReasonCancellation,
		EventID: event.ID,
	})
	if errors.Is(err, credits.ErrDuplicateEvent) {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "duplicate")
		return nil
	}
	if err != nil {
		return err
	}

	p.metrics.RecordPlanChange(providerName, string(acct.Plan), string(reset.Plan))
	p.notifyCallback(&billing.WebhookEvent{
		UserID:         acct.UserID,
		PreviousPlan:   string(acct.Plan),
		NewPlan:        string(reset.Plan),
		Provider:       providerName,
		EventType:      string(event.Type),
		EventID:        event.ID,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	})
	return nil
}

// periodEndForCheckout prefers the session expiry, falling back to the
// plan's renewal period from the catalog.
func (p *Provider) periodEndForCheckout(session *stripe.CheckoutSession, plan credits.Plan) time.Time {
	if session.ExpiresAt > 0 {
		return time.Unix(session.ExpiresAt, 0).UTC()
	}
	return p.fallbackPeriodEnd(plan)
}

func (p *Provider) fallbackPeriodEnd(plan credits.Plan) time.Time {
	period, err := p.service.Catalog().RenewalPeriodFor(plan)
	if err != nil || period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return time.Now().UTC().Add(period)
}

// extractSubscriptionID pulls the subscription reference out of an invoice
// payload, where it may be either an id string or an expanded object.
func extractSubscriptionID(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	case string:
		return v
	}
	return ""
}

// Helper functions

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
