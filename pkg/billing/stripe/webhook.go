package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/brandforge/brandforge/pkg/billing/internal"
	"github.com/brandforge/brandforge/pkg/ledger"
)

// webhookAck is the body returned for accepted deliveries. Duplicates carry
// the extra message so provider dashboards show why nothing happened.
type webhookAck struct {
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events.
//
// Order matters: signature verification runs before anything touches the
// store, and the event-store insert runs before any handler side effect.
// Handler-level failures are acknowledged with 200 because the usual cause is
// eventual-consistency lag, and a non-2xx would only trigger a provider
// retry storm for a request that will not get better.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if len(p.webhookSecret) == 0 {
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")

	// Verification runs over the exact payload bytes; the payload is neither
	// parsed nor stored until the signature checks out.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		_ = internal.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	record, isNew, err := p.storage.RecordEventIfNew(r.Context(), event.ID, eventType)
	if err != nil {
		p.logger.Error("failed to record webhook event",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		p.metrics.RecordWebhookError(providerName, "event_store_error")
		return
	}

	if !isNew {
		// A pre-existing record younger than the grace window usually means a
		// concurrent delivery is mid-flight; an older one means the event was
		// fully processed earlier. Both are acknowledged as duplicates.
		inFlight := time.Since(record.ProcessedAt) < p.graceWindow
		p.logger.Info("duplicate webhook delivery",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "in_flight", Value: inFlight},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Message: "Event already processed"})
		return
	}

	status := "success"
	if err := p.processEvent(r.Context(), &event); err != nil {
		p.logger.Warn("webhook event processing failed",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "processing_error")
		status = "error"
	}

	_ = internal.WriteJSON(w, http.StatusOK, webhookAck{Received: true})
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processEvent routes a verified, first-seen event to its handler.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "payment_intent.succeeded":
		// Hook point only. Credit packages are granted on
		// checkout.session.completed; granting here as well would
		// double-credit the purchase.
		return nil
	default:
		p.logger.Info("ignoring unhandled event type",
			ledger.Field{Key: "event_type", Value: string(event.Type)},
		)
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "ignored")
		return nil
	}
}

// handleCheckoutSessionCompleted processes checkout.session.completed events.
// A session referencing a subscription is treated as subscription-created;
// the webhook payload may be partial, so the full subscription is fetched
// from Stripe first. A session carrying metadata.package_id is a one-time
// credit-package purchase.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := session.ClientReferenceID
	if userID == "" && session.Metadata != nil {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return fmt.Errorf("no user reference on checkout session %s", session.ID)
	}

	if session.Subscription != nil && session.Subscription.ID != "" {
		sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, session.Subscription.ID, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription %s: %w", session.Subscription.ID, err)
		}
		planID, err := p.applySubscription(ctx, userID, sub, "checkout")
		if err != nil {
			return err
		}
		if planID != "" {
			p.notify("subscription_started", userID, float64(session.AmountTotal)/100,
				string(session.Currency), map[string]string{"plan_id": planID})
		}
		return nil
	}

	packageID := ""
	if session.Metadata != nil {
		packageID = session.Metadata["package_id"]
	}
	if packageID == "" {
		// Neither a subscription checkout nor a known package purchase.
		return nil
	}

	pkg, err := p.storage.GetCreditPackage(ctx, packageID)
	if err != nil {
		return fmt.Errorf("failed to resolve credit package %q: %w", packageID, err)
	}

	if _, err := p.ledger.GrantCredits(ctx, userID, pkg.Credits, "package_purchase",
		fmt.Sprintf("Purchased %s", pkg.Name)); err != nil {
		return fmt.Errorf("failed to grant package credits: %w", err)
	}
	p.metrics.RecordCreditsGranted(providerName, "package_purchase", pkg.Credits)

	p.notify("credits_purchased", userID, float64(session.AmountTotal)/100,
		string(session.Currency), map[string]string{"package_id": packageID})

	return nil
}

// handleSubscriptionChanged processes customer.subscription.created and
// customer.subscription.updated events.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserID(ctx, &subscription)
	if err != nil {
		return err
	}

	_, err = p.applySubscription(ctx, userID, &subscription, "subscription")
	return err
}

// handleSubscriptionDeleted processes customer.subscription.deleted events.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserID(ctx, &subscription)
	if err != nil {
		return err
	}

	existing, err := p.ledger.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrSubscriptionNotFound) {
			// Deletion arrived before the row was ever created; nothing to
			// cancel and nothing to repair.
			p.logger.Warn("subscription.deleted for unknown user",
				ledger.Field{Key: "user_id", Value: userID},
			)
			return nil
		}
		return err
	}

	existing.Status = ledger.StatusCanceled
	existing.UpdatedAt = time.Now().UTC()
	return p.ledger.UpsertSubscription(ctx, existing)
}

// handleInvoicePaymentSucceeded grants the renewal period's credit allotment
// for subscription-attached invoices. Invoices with no subscription are for
// one-time purchases already handled elsewhere.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}

	userID, err := p.extractUserID(ctx, sub)
	if err != nil {
		return err
	}

	_, err = p.applySubscription(ctx, userID, sub, "renewal")
	return err
}

// applySubscription resolves the plan from the subscription's price, upserts
// the local subscription row, and grants the plan allotment when the
// resulting status is active. Returns the resolved plan ID, or "" when the
// plan could not be resolved locally (a warning, not an error: plan rows
// catch up eventually and the provider must not retry).
func (p *Provider) applySubscription(ctx context.Context, userID string, sub *stripe.Subscription, source string) (string, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return "", fmt.Errorf("subscription %s has no items", sub.ID)
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return "", fmt.Errorf("subscription %s has no price", sub.ID)
	}

	plan, err := p.storage.GetPlanByPriceID(ctx, item.Price.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrPlanNotFound) {
			p.logger.Warn("no plan matches subscription price",
				ledger.Field{Key: "price_id", Value: item.Price.ID},
				ledger.Field{Key: "user_id", Value: userID},
			)
			return "", nil
		}
		return "", err
	}

	cycle := ledger.CycleMonthly
	if item.Price.Recurring != nil {
		cycle = cycleFromInterval(item.Price.Recurring.Interval)
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	status := mapStatus(sub.Status)
	row := &ledger.Subscription{
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             status,
		BillingCycle:       cycle,
		CurrentPeriodStart: time.Unix(item.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(item.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		ExternalCustomerID: customerID,
		UpdatedAt:          time.Now().UTC(),
	}

	if err := p.ledger.UpsertSubscription(ctx, row); err != nil {
		return "", fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if status == ledger.StatusActive && plan.Credits > 0 {
		if _, err := p.ledger.GrantCredits(ctx, userID, plan.Credits, source,
			fmt.Sprintf("%s plan credits", plan.Name)); err != nil {
			return "", fmt.Errorf("failed to grant plan credits: %w", err)
		}
		p.metrics.RecordCreditsGranted(providerName, source, plan.Credits)
	}

	return plan.ID, nil
}

// extractUserID resolves the internal user from subscription metadata,
// falling back to customer metadata.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID := sub.Metadata["user_id"]; userID != "" {
			return userID, nil
		}
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata["user_id"]; userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("metadata.user_id missing on subscription %s", sub.ID)
}

// notify fires a best-effort conversion notification.
func (p *Provider) notify(eventName, userID string, value float64, currency string, props map[string]string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(eventName, userID, value, currency, props)
	p.metrics.RecordConversionNotification(eventName, "sent")
}

// subscriptionIDFromInvoice pulls the subscription reference out of the raw
// invoice JSON. Depending on API version it is either an ID string or an
// expanded object.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
