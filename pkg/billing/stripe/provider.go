// Package stripe implements the billing.Provider interface for Stripe.
// Webhook deliveries are verified against the raw payload bytes, deduplicated
// through the ledger event store, and dispatched by event type.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/brandforge/brandforge/pkg/billing"
	"github.com/brandforge/brandforge/pkg/billing/internal"
	"github.com/brandforge/brandforge/pkg/ledger"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultGraceWindow       = 5 * time.Second
	maxWebhookBody           = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Ledger, Storage, Notifier, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	ledger        *ledger.Service
	storage       ledger.Storage
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	stripeClient  *stripe.Client
	graceWindow   time.Duration
	notifier      billing.Notifier
	logger        ledger.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil || config.Storage == nil {
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

	graceWindow := config.DuplicateGraceWindow
	if graceWindow == 0 {
		graceWindow = defaultGraceWindow
	}

	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		ledger:        config.Ledger,
		storage:       config.Storage,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:  newStripeClient(apiKey, httpClient),
		graceWindow:   graceWindow,
		notifier:      config.Notifier,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

func newStripeClient(apiKey string, httpClient *http.Client) *stripe.Client {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: httpClient,
	})
	return stripe.NewClient(apiKey, stripe.WithBackends(&stripe.Backends{
		API:     backend,
		Connect: stripe.GetBackend(stripe.ConnectBackend),
		Uploads: stripe.GetBackend(stripe.UploadsBackend),
	}))
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// SyncUser reconciles a user's subscription row against Stripe's view.
// The stored stripe_customer_id is the lookup key; users without a
// subscription row cannot be synced.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	sub, err := p.ledger.GetSubscription(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription row: %w", err)
	}
	if sub.ExternalCustomerID == "" {
		return "", billing.ErrUserNotFound
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(sub.ExternalCustomerID)
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))

	for remote, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if remote.Status != stripe.SubscriptionStatusActive {
			continue
		}
		applied, err := p.applySubscription(ctx, userID, remote, "sync")
		if err != nil {
			return "", err
		}
		if applied != "" {
			return applied, nil
		}
	}

	// No active subscription remains on the Stripe side.
	sub.Status = ledger.StatusCanceled
	sub.UpdatedAt = time.Now().UTC()
	if err := p.ledger.UpsertSubscription(ctx, sub); err != nil {
		return "", err
	}
	return "", nil
}

// mapStatus maps a Stripe subscription status onto the local enum. The local
// state machine mirrors the provider's; it is never advanced locally.
func mapStatus(status stripe.SubscriptionStatus) ledger.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return ledger.StatusActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		return ledger.StatusCanceled
	case stripe.SubscriptionStatusPastDue:
		return ledger.StatusPastDue
	default:
		return ledger.StatusIncomplete
	}
}

// cycleFromInterval derives the billing cycle from the price's recurring
// interval.
func cycleFromInterval(interval stripe.PriceRecurringInterval) ledger.BillingCycle {
	if interval == stripe.PriceRecurringIntervalYear {
		return ledger.CycleYearly
	}
	return ledger.CycleMonthly
}
