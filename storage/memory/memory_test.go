package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brandforge/brandforge/pkg/ledger"
	"github.com/brandforge/brandforge/storage/memory"
)

func TestRecordEventIfNew(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	record, isNew, err := storage.RecordEventIfNew(ctx, "evt_1", "checkout.session.completed")
	if err != nil {
		t.Fatalf("RecordEventIfNew failed: %v", err)
	}
	if !isNew {
		t.Fatal("Expected first insert to be new")
	}
	if record.EventID != "evt_1" || record.EventType != "checkout.session.completed" {
		t.Errorf("Unexpected record: %+v", record)
	}

	replay, isNew, err := storage.RecordEventIfNew(ctx, "evt_1", "checkout.session.completed")
	if err != nil {
		t.Fatalf("RecordEventIfNew failed: %v", err)
	}
	if isNew {
		t.Fatal("Expected replay to be a duplicate")
	}
	if !replay.ProcessedAt.Equal(record.ProcessedAt) {
		t.Error("Duplicate must return the original record, not a fresh one")
	}
}

func TestRecordEventIfNew_ConcurrentSingleWinner(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	results := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, isNew, err := storage.RecordEventIfNew(ctx, "evt_race", "invoice.payment_succeeded")
			if err != nil {
				t.Errorf("RecordEventIfNew failed: %v", err)
				return
			}
			results[idx] = isNew
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, isNew := range results {
		if isNew {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners)
	}
}

func TestCompareAndSwapBalance(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	// Establish the zero row.
	if _, err := storage.GetBalance(ctx, "user1"); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}

	swapped, err := storage.CompareAndSwapBalance(ctx, "user1", 0, 100)
	if err != nil {
		t.Fatalf("CompareAndSwapBalance failed: %v", err)
	}
	if !swapped {
		t.Fatal("Expected swap from correct observed value to succeed")
	}

	// Stale observed value loses.
	swapped, err = storage.CompareAndSwapBalance(ctx, "user1", 0, 50)
	if err != nil {
		t.Fatalf("CompareAndSwapBalance failed: %v", err)
	}
	if swapped {
		t.Fatal("Expected swap from stale observed value to fail")
	}

	balance, err := storage.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Credits != 100 {
		t.Errorf("Expected balance 100, got %d", balance.Credits)
	}
}

func TestCompareAndSwapBalance_RejectsNegative(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	if _, err := storage.GetBalance(ctx, "user1"); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if _, err := storage.CompareAndSwapBalance(ctx, "user1", 0, -5); err == nil {
		t.Fatal("Expected error for negative target balance")
	}
}

func TestGetBalance_ReturnsCopy(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	first, err := storage.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	first.Credits = 9999

	second, err := storage.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if second.Credits != 0 {
		t.Error("Mutating a returned balance leaked into the store")
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	if _, err := storage.GetSubscription(ctx, "user1"); !errors.Is(err, ledger.ErrSubscriptionNotFound) {
		t.Fatalf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	sub := &ledger.Subscription{
		UserID:             "user1",
		PlanID:             "pro",
		Status:             ledger.StatusActive,
		BillingCycle:       ledger.CycleMonthly,
		CurrentPeriodStart: time.Now().UTC(),
		CurrentPeriodEnd:   time.Now().UTC().AddDate(0, 1, 0),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := storage.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	got, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.PlanID != "pro" || got.Status != ledger.StatusActive {
		t.Errorf("Unexpected subscription: %+v", got)
	}

	// Upsert overwrites.
	sub.Status = ledger.StatusCanceled
	if err := storage.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	got, err = storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.Status != ledger.StatusCanceled {
		t.Errorf("Expected canceled, got %s", got.Status)
	}
}

func TestPlanLookups(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	storage.PutPlan(&ledger.Plan{
		ID:             "pro",
		Name:           "Pro",
		MonthlyPriceID: "price_m",
		YearlyPriceID:  "price_y",
		Credits:        500,
	})

	if _, err := storage.GetPlan(ctx, "nope"); !errors.Is(err, ledger.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}

	plan, err := storage.GetPlan(ctx, "pro")
	if err != nil {
		t.Fatalf("GetPlan failed: %v", err)
	}
	if plan.Credits != 500 {
		t.Errorf("Unexpected plan: %+v", plan)
	}

	for _, priceID := range []string{"price_m", "price_y"} {
		plan, err := storage.GetPlanByPriceID(ctx, priceID)
		if err != nil {
			t.Fatalf("GetPlanByPriceID(%s) failed: %v", priceID, err)
		}
		if plan.ID != "pro" {
			t.Errorf("GetPlanByPriceID(%s) = %q, want pro", priceID, plan.ID)
		}
	}

	if _, err := storage.GetPlanByPriceID(ctx, "price_unknown"); !errors.Is(err, ledger.ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound for unknown price, got %v", err)
	}
}

func TestBrandAndAssetRoundTrip(t *testing.T) {
	storage := memory.New()
	ctx := context.Background()

	if _, err := storage.GetBrand(ctx, "b1"); !errors.Is(err, ledger.ErrBrandNotFound) {
		t.Fatalf("Expected ErrBrandNotFound, got %v", err)
	}

	brand := &ledger.Brand{
		ID:     "b1",
		UserID: "user1",
		Name:   "Acme",
		Colors: []string{"#ff0000", "#00ff00"},
	}
	if err := storage.PutBrand(ctx, brand); err != nil {
		t.Fatalf("PutBrand failed: %v", err)
	}
	got, err := storage.GetBrand(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBrand failed: %v", err)
	}
	if got.Name != "Acme" || len(got.Colors) != 2 {
		t.Errorf("Unexpected brand: %+v", got)
	}

	asset := &ledger.Asset{
		ID:       "a1",
		BrandID:  "b1",
		UserID:   "user1",
		MIMEType: "image/png",
		Data:     []byte{1, 2, 3},
	}
	if err := storage.PutAsset(ctx, asset); err != nil {
		t.Fatalf("PutAsset failed: %v", err)
	}
	gotAsset, err := storage.GetAsset(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if gotAsset.BrandID != "b1" || len(gotAsset.Data) != 3 {
		t.Errorf("Unexpected asset: %+v", gotAsset)
	}
}
