package stripe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v83"

	"github.com/brandforge/brandforge/pkg/billing"
	"github.com/brandforge/brandforge/pkg/ledger"
	"github.com/brandforge/brandforge/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "test-user-123"
	testCustomerID          = "cus_test_123"

	testPriceIDProMonthly = "price_pro_monthly"
	testPriceIDProYearly  = "price_pro_yearly"
	testPackagePriceID    = "price_pkg_10"
)

// fakeNotifier records conversion notifications for assertions.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
}

type notifierCall struct {
	EventName  string
	UserID     string
	Value      float64
	Currency   string
	Properties map[string]string
}

func (f *fakeNotifier) Notify(eventName, userID string, value float64, currency string, properties map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifierCall{eventName, userID, value, currency, properties})
}

func (f *fakeNotifier) Calls() []notifierCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifierCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// testEnv bundles a provider with its backing storage and notifier.
type testEnv struct {
	provider *Provider
	storage  *memory.Storage
	ledger   *ledger.Service
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storage := memory.New()
	storage.PutPlan(&ledger.Plan{
		ID:             "pro",
		Name:           "Pro",
		MonthlyPriceID: testPriceIDProMonthly,
		YearlyPriceID:  testPriceIDProYearly,
		Credits:        500,
	})
	storage.PutCreditPackage(&ledger.CreditPackage{
		ID:      "pkg_10",
		Name:    "10 credits",
		PriceID: testPackagePriceID,
		Credits: 10,
	})

	svc, err := ledger.NewService(storage, ledger.Config{})
	if err != nil {
		t.Fatalf("Failed to create ledger service: %v", err)
	}

	notifier := &fakeNotifier{}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Ledger:   svc,
			Storage:  storage,
			Notifier: notifier,
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	return &testEnv{provider: provider, storage: storage, ledger: svc, notifier: notifier}
}

// stubStripeAPI points the provider's Stripe client at a local server.
// handlers maps "GET /v1/subscriptions/sub_x" style keys to response objects.
func stubStripeAPI(t *testing.T, env *testEnv, handlers map[string]interface{}) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		resp, ok := handlers[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprintf(w, `{"error":{"message":"no stub for %s"}}`, key)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL: stripe.String(server.URL),
	})
	env.provider.stripeClient = stripe.NewClient(testStripeAPIKey,
		stripe.WithBackends(&stripe.Backends{API: backend, Connect: backend, Uploads: backend}))
}

func TestNewProvider_RequiresConfig(t *testing.T) {
	_, err := NewProvider(Config{})
	if err == nil {
		t.Fatal("Expected error for empty config")
	}

	storage := memory.New()
	svc, err := ledger.NewService(storage, ledger.Config{})
	if err != nil {
		t.Fatalf("Failed to create ledger service: %v", err)
	}

	_, err = NewProvider(Config{
		Config: billing.Config{Ledger: svc, Storage: storage},
	})
	if err == nil {
		t.Fatal("Expected error for missing API key")
	}
}

func TestProvider_Name(t *testing.T) {
	env := newTestEnv(t)
	if env.provider.Name() != "stripe" {
		t.Errorf("Expected provider name 'stripe', got %q", env.provider.Name())
	}
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		in   stripe.SubscriptionStatus
		want ledger.SubscriptionStatus
	}{
		{stripe.SubscriptionStatusActive, ledger.StatusActive},
		{stripe.SubscriptionStatusTrialing, ledger.StatusActive},
		{stripe.SubscriptionStatusCanceled, ledger.StatusCanceled},
		{stripe.SubscriptionStatusIncompleteExpired, ledger.StatusCanceled},
		{stripe.SubscriptionStatusUnpaid, ledger.StatusCanceled},
		{stripe.SubscriptionStatusPastDue, ledger.StatusPastDue},
		{stripe.SubscriptionStatusIncomplete, ledger.StatusIncomplete},
	}
	for _, c := range cases {
		if got := mapStatus(c.in); got != c.want {
			t.Errorf("mapStatus(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestCycleFromInterval(t *testing.T) {
	if cycleFromInterval(stripe.PriceRecurringIntervalYear) != ledger.CycleYearly {
		t.Error("Expected yearly cycle for year interval")
	}
	if cycleFromInterval(stripe.PriceRecurringIntervalMonth) != ledger.CycleMonthly {
		t.Error("Expected monthly cycle for month interval")
	}
}

func TestSyncUser_NoSubscriptionRow(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.provider.SyncUser(t.Context(), "never-seen-user")
	if err == nil {
		t.Fatal("Expected error for user without subscription row")
	}
}

func TestSyncUser_NoActiveRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if err := env.ledger.UpsertSubscription(ctx, &ledger.Subscription{
		UserID:             testUserID,
		PlanID:             "pro",
		Status:             ledger.StatusActive,
		ExternalCustomerID: testCustomerID,
	}); err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}

	stubStripeAPI(t, env, map[string]interface{}{
		"GET /v1/subscriptions": map[string]interface{}{
			"object": "list",
			"data":   []interface{}{},
		},
	})

	planID, err := env.provider.SyncUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("SyncUser failed: %v", err)
	}
	if planID != "" {
		t.Errorf("Expected empty plan ID, got %q", planID)
	}

	sub, err := env.ledger.GetSubscription(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub.Status != ledger.StatusCanceled {
		t.Errorf("Expected canceled status after sync, got %s", sub.Status)
	}
}

func TestSyncUser_ActiveRemote(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if err := env.ledger.UpsertSubscription(ctx, &ledger.Subscription{
		UserID:             testUserID,
		PlanID:             "pro",
		Status:             ledger.StatusPastDue,
		ExternalCustomerID: testCustomerID,
	}); err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}

	stubStripeAPI(t, env, map[string]interface{}{
		"GET /v1/subscriptions": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				stubSubscriptionJSON("sub_remote", testUserID, testPriceIDProMonthly, "active"),
			},
		},
	})

	planID, err := env.provider.SyncUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("SyncUser failed: %v", err)
	}
	if planID != "pro" {
		t.Errorf("Expected plan 'pro', got %q", planID)
	}

	sub, err := env.ledger.GetSubscription(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to load subscription: %v", err)
	}
	if sub.Status != ledger.StatusActive {
		t.Errorf("Expected active status after sync, got %s", sub.Status)
	}

	balance, err := env.ledger.Balance(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to read balance: %v", err)
	}
	if balance.Credits != 500 {
		t.Errorf("Expected 500 plan credits after sync, got %d", balance.Credits)
	}
}

// stubSubscriptionJSON builds the wire shape of a subscription with one item.
func stubSubscriptionJSON(subID, userID, priceID, status string) map[string]interface{} {
	return map[string]interface{}{
		"id":       subID,
		"object":   "subscription",
		"status":   status,
		"customer": testCustomerID,
		"metadata": map[string]string{"user_id": userID},
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_" + subID,
					"object":               "subscription_item",
					"current_period_start": 1700000000,
					"current_period_end":   1702592000,
					"price": map[string]interface{}{
						"id":     priceID,
						"object": "price",
						"recurring": map[string]interface{}{
							"interval": "month",
						},
					},
				},
			},
		},
	}
}
