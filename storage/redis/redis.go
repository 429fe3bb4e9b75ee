// Package redis provides a Redis implementation of the ledger.Storage
// interface. Event deduplication uses SET NX and balance updates use a Lua
// compare-and-swap script, so both stay atomic without client-side locking.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brandforge/brandforge/pkg/ledger"
)

// Storage implements ledger.Storage using Redis.
type Storage struct {
	client    redis.UniversalClient
	config    Config
	casScript *redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "brandforge:")
	KeyPrefix string

	// EventTTL is the TTL for processed-event keys (0 = no expiration).
	// The relational adapter keeps events forever as an audit trail; with
	// Redis a long TTL is the pragmatic equivalent.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "brandforge:",
		EventTTL:  0,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "brandforge:"
	}

	s := &Storage{
		client: client,
		config: config,
	}

	// CAS on the integer balance key: swap only when the current value (or
	// absence, treated as 0) matches the observed value.
	s.casScript = redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if current == false then
			current = '0'
		end
		if current ~= ARGV[1] then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[2])
		return 1
	`)

	return s, nil
}

// RecordEventIfNew implements ledger.Storage via SET NX.
func (s *Storage) RecordEventIfNew(ctx context.Context, eventID, eventType string) (*ledger.ProcessedEvent, bool, error) {
	if eventID == "" {
		return nil, false, fmt.Errorf("event ID is required")
	}

	key := s.eventKey(eventID)
	record := &ledger.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event record: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, data, s.config.EventTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}
	if created {
		return record, true, nil
	}

	existing, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing event: %w", err)
	}
	if err := json.Unmarshal(existing, record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal event record: %w", err)
	}

	return record, false, nil
}

// GetSubscription implements ledger.Storage.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub ledger.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	return &sub, nil
}

// UpsertSubscription implements ledger.Storage.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	if err := s.client.Set(ctx, s.subscriptionKey(sub.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}

	return nil
}

// GetBalance implements ledger.Storage. A missing key reads as zero credits.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*ledger.CreditBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	credits, err := s.client.Get(ctx, s.balanceKey(userID)).Int()
	if err == redis.Nil {
		credits = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &ledger.CreditBalance{
		UserID:    userID,
		Credits:   credits,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// CompareAndSwapBalance implements ledger.Storage via a Lua script.
func (s *Storage) CompareAndSwapBalance(ctx context.Context, userID string, observed, newCredits int) (bool, error) {
	if newCredits < 0 {
		return false, ledger.ErrInvalidAmount
	}

	result, err := s.casScript.Run(ctx, s.client,
		[]string{s.balanceKey(userID)}, observed, newCredits).Int()
	if err != nil {
		return false, fmt.Errorf("failed to swap balance: %w", err)
	}

	return result == 1, nil
}

// AppendTransaction implements ledger.Storage using a per-user list.
func (s *Storage) AppendTransaction(ctx context.Context, txn *ledger.CreditTransaction) error {
	if txn == nil || txn.UserID == "" {
		return fmt.Errorf("invalid transaction")
	}

	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	if err := s.client.RPush(ctx, s.transactionsKey(txn.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return nil
}

// GetPlan implements ledger.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*ledger.Plan, error) {
	data, err := s.client.Get(ctx, s.planKey(planID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var plan ledger.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	return &plan, nil
}

// GetPlanByPriceID implements ledger.Storage using the price index hash.
func (s *Storage) GetPlanByPriceID(ctx context.Context, priceID string) (*ledger.Plan, error) {
	if priceID == "" {
		return nil, ledger.ErrPlanNotFound
	}

	planID, err := s.client.HGet(ctx, s.priceIndexKey(), priceID).Result()
	if err == redis.Nil {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve price: %w", err)
	}

	return s.GetPlan(ctx, planID)
}

// PutPlan stores a plan and indexes its price IDs. Used for seeding.
func (s *Storage) PutPlan(ctx context.Context, plan *ledger.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("invalid plan")
	}

	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.planKey(plan.ID), data, 0)
	if plan.MonthlyPriceID != "" {
		pipe.HSet(ctx, s.priceIndexKey(), plan.MonthlyPriceID, plan.ID)
	}
	if plan.YearlyPriceID != "" {
		pipe.HSet(ctx, s.priceIndexKey(), plan.YearlyPriceID, plan.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store plan: %w", err)
	}

	return nil
}

// GetCreditPackage implements ledger.Storage.
func (s *Storage) GetCreditPackage(ctx context.Context, packageID string) (*ledger.CreditPackage, error) {
	data, err := s.client.Get(ctx, s.packageKey(packageID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit package: %w", err)
	}

	var pkg ledger.CreditPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credit package: %w", err)
	}

	return &pkg, nil
}

// PutCreditPackage stores a credit package. Used for seeding.
func (s *Storage) PutCreditPackage(ctx context.Context, pkg *ledger.CreditPackage) error {
	if pkg == nil || pkg.ID == "" {
		return fmt.Errorf("invalid credit package")
	}

	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to marshal credit package: %w", err)
	}

	if err := s.client.Set(ctx, s.packageKey(pkg.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store credit package: %w", err)
	}

	return nil
}

// GetBrand implements ledger.Storage.
func (s *Storage) GetBrand(ctx context.Context, brandID string) (*ledger.Brand, error) {
	data, err := s.client.Get(ctx, s.brandKey(brandID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrBrandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brand: %w", err)
	}

	var brand ledger.Brand
	if err := json.Unmarshal(data, &brand); err != nil {
		return nil, fmt.Errorf("failed to unmarshal brand: %w", err)
	}

	return &brand, nil
}

// PutBrand implements ledger.Storage.
func (s *Storage) PutBrand(ctx context.Context, brand *ledger.Brand) error {
	if brand == nil || brand.ID == "" {
		return fmt.Errorf("invalid brand")
	}

	data, err := json.Marshal(brand)
	if err != nil {
		return fmt.Errorf("failed to marshal brand: %w", err)
	}

	if err := s.client.Set(ctx, s.brandKey(brand.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store brand: %w", err)
	}

	return nil
}

// GetAsset implements ledger.Storage.
func (s *Storage) GetAsset(ctx context.Context, assetID string) (*ledger.Asset, error) {
	data, err := s.client.Get(ctx, s.assetKey(assetID)).Bytes()
	if err == redis.Nil {
		return nil, ledger.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	var asset ledger.Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset: %w", err)
	}

	return &asset, nil
}

// PutAsset implements ledger.Storage.
func (s *Storage) PutAsset(ctx context.Context, asset *ledger.Asset) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("invalid asset")
	}

	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}

	if err := s.client.Set(ctx, s.assetKey(asset.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store asset: %w", err)
	}

	return nil
}

// Key helpers

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) subscriptionKey(userID string) string {
	return s.config.KeyPrefix + "subscription:" + userID
}

func (s *Storage) balanceKey(userID string) string {
	return s.config.KeyPrefix + "credits:" + userID
}

func (s *Storage) transactionsKey(userID string) string {
	return s.config.KeyPrefix + "transactions:" + userID
}

func (s *Storage) planKey(planID string) string {
	return s.config.KeyPrefix + "plan:" + planID
}

func (s *Storage) priceIndexKey() string {
	return s.config.KeyPrefix + "plan_prices"
}

func (s *Storage) packageKey(packageID string) string {
	return s.config.KeyPrefix + "package:" + packageID
}

func (s *Storage) brandKey(brandID string) string {
	return s.config.KeyPrefix + "brand:" + brandID
}

func (s *Storage) assetKey(assetID string) string {
	return s.config.KeyPrefix + "asset:" + assetID
}
