// Package memory provides an in-memory implementation of the ledger.Storage
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brandforge/brandforge/pkg/ledger"
)

// Storage implements ledger.Storage using in-memory maps.
type Storage struct {
	mu            sync.RWMutex
	events        map[string]*ledger.ProcessedEvent
	subscriptions map[string]*ledger.Subscription
	balances      map[string]*ledger.CreditBalance
	transactions  []*ledger.CreditTransaction
	plans         map[string]*ledger.Plan
	packages      map[string]*ledger.CreditPackage
	brands        map[string]*ledger.Brand
	assets        map[string]*ledger.Asset
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:        make(map[string]*ledger.ProcessedEvent),
		subscriptions: make(map[string]*ledger.Subscription),
		balances:      make(map[string]*ledger.CreditBalance),
		plans:         make(map[string]*ledger.Plan),
		packages:      make(map[string]*ledger.CreditPackage),
		brands:        make(map[string]*ledger.Brand),
		assets:        make(map[string]*ledger.Asset),
	}
}

// RecordEventIfNew implements ledger.Storage. The single lock acquisition
// makes check-and-insert atomic, matching the ON CONFLICT semantics of the
// SQL adapter.
func (s *Storage) RecordEventIfNew(ctx context.Context, eventID, eventType string) (*ledger.ProcessedEvent, bool, error) {
	if eventID == "" {
		return nil, false, fmt.Errorf("event ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[eventID]; ok {
		recordCopy := *existing
		return &recordCopy, false, nil
	}

	record := &ledger.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	s.events[eventID] = record

	recordCopy := *record
	return &recordCopy, true, nil
}

// GetSubscription implements ledger.Storage.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, ledger.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// UpsertSubscription implements ledger.Storage.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.UserID] = &subCopy
	return nil
}

// GetBalance implements ledger.Storage, creating a zero balance on first read.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*ledger.CreditBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		balance = &ledger.CreditBalance{
			UserID:    userID,
			Credits:   0,
			UpdatedAt: time.Now().UTC(),
		}
		s.balances[userID] = balance
	}

	balanceCopy := *balance
	return &balanceCopy, nil
}

// CompareAndSwapBalance implements ledger.Storage.
func (s *Storage) CompareAndSwapBalance(ctx context.Context, userID string, observed, newCredits int) (bool, error) {
	if newCredits < 0 {
		return false, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[userID]
	if !ok {
		balance = &ledger.CreditBalance{UserID: userID}
		s.balances[userID] = balance
	}

	if balance.Credits != observed {
		return false, nil
	}

	balance.Credits = newCredits
	balance.UpdatedAt = time.Now().UTC()
	return true, nil
}

// AppendTransaction implements ledger.Storage.
func (s *Storage) AppendTransaction(ctx context.Context, txn *ledger.CreditTransaction) error {
	if txn == nil || txn.UserID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txnCopy := *txn
	s.transactions = append(s.transactions, &txnCopy)
	return nil
}

// Transactions returns a snapshot of the transaction log for a user.
// Test helper; the SQL adapters expose this through queries instead.
func (s *Storage) Transactions(userID string) []*ledger.CreditTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.CreditTransaction
	for _, txn := range s.transactions {
		if txn.UserID == userID {
			txnCopy := *txn
			out = append(out, &txnCopy)
		}
	}
	return out
}

// GetPlan implements ledger.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*ledger.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, ok := s.plans[planID]
	if !ok {
		return nil, ledger.ErrPlanNotFound
	}

	planCopy := *plan
	return &planCopy, nil
}

// GetPlanByPriceID implements ledger.Storage.
func (s *Storage) GetPlanByPriceID(ctx context.Context, priceID string) (*ledger.Plan, error) {
	if priceID == "" {
		return nil, ledger.ErrPlanNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, plan := range s.plans {
		if plan.MonthlyPriceID == priceID || plan.YearlyPriceID == priceID {
			planCopy := *plan
			return &planCopy, nil
		}
	}
	return nil, ledger.ErrPlanNotFound
}

// PutPlan stores a plan. Used for seeding fixtures and dev setups.
func (s *Storage) PutPlan(plan *ledger.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	planCopy := *plan
	s.plans[plan.ID] = &planCopy
}

// GetCreditPackage implements ledger.Storage.
func (s *Storage) GetCreditPackage(ctx context.Context, packageID string) (*ledger.CreditPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, ok := s.packages[packageID]
	if !ok {
		return nil, ledger.ErrPackageNotFound
	}

	pkgCopy := *pkg
	return &pkgCopy, nil
}

// PutCreditPackage stores a credit package. Used for seeding fixtures.
func (s *Storage) PutCreditPackage(pkg *ledger.CreditPackage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkgCopy := *pkg
	s.packages[pkg.ID] = &pkgCopy
}

// GetBrand implements ledger.Storage.
func (s *Storage) GetBrand(ctx context.Context, brandID string) (*ledger.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	brand, ok := s.brands[brandID]
	if !ok {
		return nil, ledger.ErrBrandNotFound
	}

	brandCopy := *brand
	return &brandCopy, nil
}

// PutBrand implements ledger.Storage.
func (s *Storage) PutBrand(ctx context.Context, brand *ledger.Brand) error {
	if brand == nil || brand.ID == "" {
		return fmt.Errorf("invalid brand")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	brandCopy := *brand
	s.brands[brand.ID] = &brandCopy
	return nil
}

// GetAsset implements ledger.Storage.
func (s *Storage) GetAsset(ctx context.Context, assetID string) (*ledger.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[assetID]
	if !ok {
		return nil, ledger.ErrAssetNotFound
	}

	assetCopy := *asset
	return &assetCopy, nil
}

// PutAsset implements ledger.Storage.
func (s *Storage) PutAsset(ctx context.Context, asset *ledger.Asset) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("invalid asset")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assetCopy := *asset
	s.assets[asset.ID] = &assetCopy
	return nil
}
