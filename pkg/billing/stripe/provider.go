package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/velumail/credits/pkg/billing"
	"github.com/velumail/credits/pkg/credits"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	maxWebhookBody     = 256 * 1024
)

// Metadata keys the checkout flow injects and the webhook handler reads.
const (
	metadataUserID = "userId"
	metadataPlan   = "plan"
	metadataPrice  = "priceId"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Service, PriceMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	service       *credits.Service
	config        Config
	httpClient    *http.Client
	stripeClient  *stripe.Client
	priceMapping  map[credits.Plan]string
	webhookSecret []byte
	metrics       billing.Metrics
	logger        credits.Logger
	callback      billing.WebhookCallback
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Service == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &credits.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		service:       config.Service,
		config:        config,
		httpClient:    httpClient,
		stripeClient:  stripe.NewClient(apiKey),
		priceMapping:  config.PriceMapping,
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		metrics:       metrics,
		logger:        logger,
		callback:      config.Callback,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// priceIDForPlan resolves a plan to its configured Stripe price id.
func (p *Provider) priceIDForPlan(plan credits.Plan) string {
	return p.priceMapping[plan]
}

// notifyCallback delivers the post-commit event to the configured callback.
// Best-effort: failures are logged and never propagated.
func (p *Provider) notifyCallback(event *billing.WebhookEvent) {
	if p.callback == nil {
		return
	}
	// Detached context: the webhook response must not wait on analytics.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.callback(ctx, event); err != nil {
			p.logger.Warn("webhook callback failed",
				credits.Field{Key: "event_type", Value: event.EventType},
				credits.Field{Key: "user_id", Value: event.UserID},
				credits.Field{Key: "error", Value: err.Error()})
		}
	}()
}
