package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/velumail/credits/pkg/billing"
	"github.com/velumail/credits/pkg/credits"
)

// CheckoutURL creates a Stripe Checkout Session for a plan subscription and
// returns the URL. The session carries the user id and plan name in its
// metadata, which is what the webhook handler reconciles on.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, plan credits.Plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	if !p.service.Catalog().Contains(plan) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "unknown_plan")
		return "", fmt.Errorf("%w: %q", credits.ErrUnknownPlan, plan)
	}

	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_mapped")
		return "", fmt.Errorf("%w: %q", billing.ErrPlanNotConfigured, plan)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook handler resolves the account and plan from this metadata.
	params.Metadata = map[string]string{
		metadataUserID: userID,
		metadataPlan:   string(plan),
		metadataPrice:  priceID,
	}
	params.ClientReferenceID = stripe.String(userID)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}
