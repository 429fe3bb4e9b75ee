package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/brandforge/brandforge/pkg/ledger"
)

// signedWebhookRequest builds a POST with a valid Stripe-Signature header
// computed over the exact payload bytes.
func signedWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

// eventPayload builds the envelope Stripe delivers: the object goes under
// data.object.
func eventPayload(t *testing.T, eventID, eventType string, object interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event payload: %v", err)
	}
	return payload
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return ack
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_nosig", "checkout.session.completed", map[string]interface{}{"id": "cs_1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	// Nothing was recorded: a failed signature never touches the store.
	_, isNew, err := env.storage.RecordEventIfNew(t.Context(), "evt_nosig", "checkout.session.completed")
	if err != nil {
		t.Fatalf("RecordEventIfNew failed: %v", err)
	}
	if !isNew {
		t.Error("Event was recorded despite failed signature verification")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_badsig", "checkout.session.completed", map[string]interface{}{"id": "cs_1"})
	req := signedWebhookRequest(t, payload, "whsec_wrong_secret")
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestWebhook_TamperedPayload(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_tamper", "checkout.session.completed", map[string]interface{}{"id": "cs_1"})
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	// The signature was computed over the original bytes.
	tampered := bytes.Replace(payload, []byte("cs_1"), []byte("cs_2"), 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(tampered))
	req.Header.Set("Stripe-Signature", signed.Header)

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for tampered payload, got %d", rec.Code)
	}
}

func TestWebhook_PackagePurchase(t *testing.T) {
	env := newTestEnv(t)

	session := map[string]interface{}{
		"id":                  "cs_pkg",
		"object":              "checkout.session",
		"client_reference_id": testUserID,
		"amount_total":        999,
		"currency":            "usd",
		"metadata":            map[string]string{"package_id": "pkg_10"},
	}
	payload := eventPayload(t, "evt_pkg_1", "checkout.session.completed", session)

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ack := decodeAck(t, rec); !ack.Received || ack.Message != "" {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	balance, err := env.ledger.Balance(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 10 {
		t.Errorf("Expected 10 credits after package purchase, got %d", balance.Credits)
	}

	txns := env.storage.Transactions(testUserID)
	if len(txns) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txns))
	}
	if txns[0].Type != ledger.TransactionGranted || txns[0].Amount != 10 || txns[0].Source != "package_purchase" {
		t.Errorf("Unexpected transaction: %+v", txns[0])
	}

	calls := env.notifier.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(calls))
	}
	if calls[0].EventName != "credits_purchased" || calls[0].UserID != testUserID || calls[0].Value != 9.99 {
		t.Errorf("Unexpected notification: %+v", calls[0])
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)

	session := map[string]interface{}{
		"id":                  "cs_dup",
		"object":              "checkout.session",
		"client_reference_id": testUserID,
		"metadata":            map[string]string{"package_id": "pkg_10"},
	}
	payload := eventPayload(t, "evt_dup_1", "checkout.session.completed", session)

	first := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(first, signedWebhookRequest(t, payload, testStripeWebhookSecret))
	if first.Code != http.StatusOK {
		t.Fatalf("First delivery: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(second, signedWebhookRequest(t, payload, testStripeWebhookSecret))
	if second.Code != http.StatusOK {
		t.Fatalf("Second delivery: expected 200, got %d", second.Code)
	}
	if ack := decodeAck(t, second); ack.Message != "Event already processed" {
		t.Errorf("Expected duplicate message, got %+v", ack)
	}

	// The grant happened exactly once.
	balance, err := env.ledger.Balance(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 10 {
		t.Errorf("Expected 10 credits after duplicate delivery, got %d", balance.Credits)
	}
	if txns := env.storage.Transactions(testUserID); len(txns) != 1 {
		t.Errorf("Expected 1 transaction after duplicate delivery, got %d", len(txns))
	}
}

func TestWebhook_UnknownEventTypeAcked(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_future", "entitlements.active_entitlement_summary.updated",
		map[string]interface{}{"id": "obj_1"})

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown event type, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); !ack.Received {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	// The event was recorded, so a replay is a duplicate.
	_, isNew, err := env.storage.RecordEventIfNew(t.Context(), "evt_future", "whatever")
	if err != nil {
		t.Fatalf("RecordEventIfNew failed: %v", err)
	}
	if isNew {
		t.Error("Unknown event type was not recorded in the event store")
	}
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_sub_created", "customer.subscription.created",
		stubSubscriptionJSON("sub_new", testUserID, testPriceIDProMonthly, "active"))

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sub, err := env.ledger.GetSubscription(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub.PlanID != "pro" || sub.Status != ledger.StatusActive || sub.BillingCycle != ledger.CycleMonthly {
		t.Errorf("Unexpected subscription row: %+v", sub)
	}
	if sub.ExternalCustomerID != testCustomerID {
		t.Errorf("Expected customer %s, got %s", testCustomerID, sub.ExternalCustomerID)
	}

	balance, err := env.ledger.Balance(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 500 {
		t.Errorf("Expected 500 plan credits, got %d", balance.Credits)
	}
}

func TestWebhook_SubscriptionPastDue_NoGrant(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_sub_pastdue", "customer.subscription.updated",
		stubSubscriptionJSON("sub_pd", testUserID, testPriceIDProMonthly, "past_due"))

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	sub, err := env.ledger.GetSubscription(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub.Status != ledger.StatusPastDue {
		t.Errorf("Expected past_due status, got %s", sub.Status)
	}

	balance, err := env.ledger.Balance(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 0 {
		t.Errorf("Expected no credits for past_due subscription, got %d", balance.Credits)
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if err := env.ledger.UpsertSubscription(ctx, &ledger.Subscription{
		UserID: testUserID,
		PlanID: "pro",
		Status: ledger.StatusActive,
	}); err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}

	payload := eventPayload(t, "evt_sub_deleted", "customer.subscription.deleted",
		stubSubscriptionJSON("sub_del", testUserID, testPriceIDProMonthly, "canceled"))

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	sub, err := env.ledger.GetSubscription(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub.Status != ledger.StatusCanceled {
		t.Errorf("Expected canceled status, got %s", sub.Status)
	}
}

func TestWebhook_SubscriptionDeleted_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_sub_deleted_unknown", "customer.subscription.deleted",
		stubSubscriptionJSON("sub_ghost", "ghost-user", testPriceIDProMonthly, "canceled"))

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	// Deletion before creation: nothing to cancel, still acknowledged.
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown user, got %d", rec.Code)
	}

	_, err := env.ledger.GetSubscription(t.Context(), "ghost-user")
	if !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		t.Errorf("Expected no subscription row, got err=%v", err)
	}
}

func TestWebhook_InvoiceBeforeSubscriptionRow(t *testing.T) {
	env := newTestEnv(t)

	// The invoice arrives before any local subscription row exists. The
	// handler fetches the subscription from the API and builds local state
	// from scratch.
	stubStripeAPI(t, env, map[string]interface{}{
		"GET /v1/subscriptions/sub_early": stubSubscriptionJSON("sub_early", testUserID, testPriceIDProMonthly, "active"),
	})

	invoice := map[string]interface{}{
		"id":           "in_early",
		"object":       "invoice",
		"subscription": "sub_early",
	}
	payload := eventPayload(t, "evt_invoice_early", "invoice.payment_succeeded", invoice)

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sub, err := env.ledger.GetSubscription(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Expected subscription row built from invoice, got err: %v", err)
	}
	if sub.PlanID != "pro" || sub.Status != ledger.StatusActive {
		t.Errorf("Unexpected subscription row: %+v", sub)
	}

	balance, err := env.ledger.Balance(t.Context(), testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 500 {
		t.Errorf("Expected 500 renewal credits, got %d", balance.Credits)
	}
}

func TestWebhook_InvoiceWithoutSubscription(t *testing.T) {
	env := newTestEnv(t)

	invoice := map[string]interface{}{
		"id":     "in_oneoff",
		"object": "invoice",
	}
	payload := eventPayload(t, "evt_invoice_oneoff", "invoice.payment_succeeded", invoice)

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if txns := env.storage.Transactions(testUserID); len(txns) != 0 {
		t.Errorf("Expected no transactions for one-off invoice, got %d", len(txns))
	}
}

func TestWebhook_ProcessingFailureStillAcked(t *testing.T) {
	env := newTestEnv(t)

	// A package purchase referencing a package that does not exist locally
	// fails processing, but the delivery is still acknowledged so the
	// provider does not retry a request that cannot succeed.
	session := map[string]interface{}{
		"id":                  "cs_missing_pkg",
		"object":              "checkout.session",
		"client_reference_id": testUserID,
		"metadata":            map[string]string{"package_id": "pkg_missing"},
	}
	payload := eventPayload(t, "evt_missing_pkg", "checkout.session.completed", session)

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, signedWebhookRequest(t, payload, testStripeWebhookSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 despite processing failure, got %d", rec.Code)
	}
	if ack := decodeAck(t, rec); !ack.Received {
		t.Errorf("Unexpected ack: %+v", ack)
	}
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	big := make([]byte, maxWebhookBody+1)
	for i := range big {
		big[i] = 'a'
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(big))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}
