package ledger

import (
	"context"
)

// Storage defines the persistence contract for the billing domain.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// RecordEventIfNew atomically records a webhook event as processed.
	// It must be a single insert-or-return-existing operation keyed by the
	// store's uniqueness constraint on event_id; a read-then-write sequence
	// reintroduces the race this method exists to close.
	// Returns the stored record and true if this call created it. For a given
	// event ID, at most one caller across all processes observes true.
	RecordEventIfNew(ctx context.Context, eventID, eventType string) (*ProcessedEvent, bool, error)

	// GetSubscription retrieves a user's subscription row.
	// Returns ErrSubscriptionNotFound if absent.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// UpsertSubscription creates or replaces the subscription row keyed by
	// user_id.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetBalance retrieves a user's credit balance, creating a zero balance
	// if none exists.
	GetBalance(ctx context.Context, userID string) (*CreditBalance, error)

	// CompareAndSwapBalance sets the balance to newCredits only if the stored
	// value still equals observed. Returns false (and no error) on a lost race.
	CompareAndSwapBalance(ctx context.Context, userID string, observed, newCredits int) (bool, error)

	// AppendTransaction appends one entry to the credit transaction log.
	AppendTransaction(ctx context.Context, txn *CreditTransaction) error

	// GetPlan retrieves a plan by its ID. Returns ErrPlanNotFound if absent.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// GetPlanByPriceID resolves a provider price identifier against known
	// plans, matching either the monthly or the yearly price ID.
	GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error)

	// GetCreditPackage retrieves a one-time credit package by its ID.
	GetCreditPackage(ctx context.Context, packageID string) (*CreditPackage, error)

	// GetBrand retrieves a brand row. Returns ErrBrandNotFound if absent.
	GetBrand(ctx context.Context, brandID string) (*Brand, error)

	// PutBrand creates or replaces a brand row.
	PutBrand(ctx context.Context, brand *Brand) error

	// GetAsset retrieves an asset row. Returns ErrAssetNotFound if absent.
	GetAsset(ctx context.Context, assetID string) (*Asset, error)

	// PutAsset creates or replaces an asset row.
	PutAsset(ctx context.Context, asset *Asset) error
}
