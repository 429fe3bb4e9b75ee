// Package postgres provides a PostgreSQL implementation of the ledger.Storage
// interface. Event deduplication relies on an INSERT ... ON CONFLICT DO
// NOTHING upsert against the unique event_id constraint, which is the only
// approach that stays correct under concurrent delivery of the same event.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandforge/brandforge/pkg/ledger"
)

// Storage implements ledger.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close releases the connection pool.
func (s *Storage) Close() {
	s.pool.Close()
}

// RecordEventIfNew implements ledger.Storage. The insert and the
// conflict-detection are a single statement; when the RETURNING clause yields
// no row another delivery won the race and the existing record is read back.
func (s *Storage) RecordEventIfNew(ctx context.Context, eventID, eventType string) (*ledger.ProcessedEvent, bool, error) {
	if eventID == "" {
		return nil, false, fmt.Errorf("event ID is required")
	}

	record := &ledger.ProcessedEvent{EventID: eventID, EventType: eventType}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO stripe_events (event_id, event_type, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (event_id) DO NOTHING
			RETURNING processed_at`,
		eventID, eventType).Scan(&record.ProcessedAt)

	if err == nil {
		return record, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("failed to record event: %w", err)
	}

	// Conflict: read the row the earlier delivery inserted.
	err = s.pool.QueryRow(ctx,
		`SELECT event_type, processed_at FROM stripe_events WHERE event_id = $1`,
		eventID).Scan(&record.EventType, &record.ProcessedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing event: %w", err)
	}

	return record, false, nil
}

// GetSubscription implements ledger.Storage.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	var sub ledger.Subscription

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, plan_id, status, billing_cycle, current_period_start,
				current_period_end, cancel_at_period_end, stripe_customer_id, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID).Scan(
		&sub.UserID,
		&sub.PlanID,
		&sub.Status,
		&sub.BillingCycle,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.ExternalCustomerID,
		&sub.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ledger.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// UpsertSubscription implements ledger.Storage.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(user_id, plan_id, status, billing_cycle, current_period_start,
				current_period_end, cancel_at_period_end, stripe_customer_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				billing_cycle = EXCLUDED.billing_cycle,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.PlanID, string(sub.Status), string(sub.BillingCycle),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.ExternalCustomerID, time.Now().UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// GetBalance implements ledger.Storage, creating a zero balance on first read.
func (s *Storage) GetBalance(ctx context.Context, userID string) (*ledger.CreditBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	// Ensure the row exists before reading; DO NOTHING avoids an insert race.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_credits (user_id, credits, updated_at)
			VALUES ($1, 0, NOW())
			ON CONFLICT (user_id) DO NOTHING`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance ledger.CreditBalance
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, credits, updated_at FROM user_credits WHERE user_id = $1`,
		userID).Scan(&balance.UserID, &balance.Credits, &balance.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &balance, nil
}

// CompareAndSwapBalance implements ledger.Storage. The WHERE clause carries
// the observed value, so a concurrent writer makes the update match zero rows
// instead of clobbering its result.
func (s *Storage) CompareAndSwapBalance(ctx context.Context, userID string, observed, newCredits int) (bool, error) {
	if newCredits < 0 {
		return false, ledger.ErrInvalidAmount
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE user_credits
			SET credits = $1, updated_at = NOW()
			WHERE user_id = $2 AND credits = $3`,
		newCredits, userID, observed)
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// AppendTransaction implements ledger.Storage.
func (s *Storage) AppendTransaction(ctx context.Context, txn *ledger.CreditTransaction) error {
	if txn == nil || txn.UserID == "" {
		return fmt.Errorf("invalid transaction")
	}

	createdAt := txn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_transactions
				(id, user_id, type, amount, balance_after, source, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.BalanceAfter,
		txn.Source, txn.Description, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return nil
}

// GetPlan implements ledger.Storage.
func (s *Storage) GetPlan(ctx context.Context, planID string) (*ledger.Plan, error) {
	return s.scanPlan(s.pool.QueryRow(ctx,
		`SELECT id, name, monthly_price_id, yearly_price_id, credits
			FROM plans WHERE id = $1`, planID))
}

// GetPlanByPriceID implements ledger.Storage.
func (s *Storage) GetPlanByPriceID(ctx context.Context, priceID string) (*ledger.Plan, error) {
	if priceID == "" {
		return nil, ledger.ErrPlanNotFound
	}

	return s.scanPlan(s.pool.QueryRow(ctx,
		`SELECT id, name, monthly_price_id, yearly_price_id, credits
			FROM plans WHERE monthly_price_id = $1 OR yearly_price_id = $1`, priceID))
}

func (s *Storage) scanPlan(row pgx.Row) (*ledger.Plan, error) {
	var plan ledger.Plan
	err := row.Scan(&plan.ID, &plan.Name, &plan.MonthlyPriceID, &plan.YearlyPriceID, &plan.Credits)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// GetCreditPackage implements ledger.Storage.
func (s *Storage) GetCreditPackage(ctx context.Context, packageID string) (*ledger.CreditPackage, error) {
	var pkg ledger.CreditPackage

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, price_id, credits FROM credit_packages WHERE id = $1`,
		packageID).Scan(&pkg.ID, &pkg.Name, &pkg.PriceID, &pkg.Credits)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit package: %w", err)
	}

	return &pkg, nil
}

// GetBrand implements ledger.Storage.
func (s *Storage) GetBrand(ctx context.Context, brandID string) (*ledger.Brand, error) {
	var brand ledger.Brand

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, description, colors, logo_url, created_at
			FROM brands WHERE id = $1`,
		brandID).Scan(
		&brand.ID,
		&brand.UserID,
		&brand.Name,
		&brand.Description,
		&brand.Colors,
		&brand.LogoURL,
		&brand.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrBrandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get brand: %w", err)
	}

	return &brand, nil
}

// PutBrand implements ledger.Storage.
func (s *Storage) PutBrand(ctx context.Context, brand *ledger.Brand) error {
	if brand == nil || brand.ID == "" {
		return fmt.Errorf("invalid brand")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO brands (id, user_id, name, description, colors, logo_url, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				colors = EXCLUDED.colors,
				logo_url = EXCLUDED.logo_url`,
		brand.ID, brand.UserID, brand.Name, brand.Description,
		brand.Colors, brand.LogoURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to put brand: %w", err)
	}

	return nil
}

// GetAsset implements ledger.Storage.
func (s *Storage) GetAsset(ctx context.Context, assetID string) (*ledger.Asset, error) {
	var asset ledger.Asset

	err := s.pool.QueryRow(ctx,
		`SELECT id, brand_id, user_id, prompt, aspect_ratio, mime_type, source_url, data, created_at
			FROM images WHERE id = $1`,
		assetID).Scan(
		&asset.ID,
		&asset.BrandID,
		&asset.UserID,
		&asset.Prompt,
		&asset.AspectRatio,
		&asset.MIMEType,
		&asset.SourceURL,
		&asset.Data,
		&asset.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	return &asset, nil
}

// PutAsset implements ledger.Storage.
func (s *Storage) PutAsset(ctx context.Context, asset *ledger.Asset) error {
	if asset == nil || asset.ID == "" {
		return fmt.Errorf("invalid asset")
	}

	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, brand_id, user_id, prompt, aspect_ratio, mime_type, source_url, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				prompt = EXCLUDED.prompt,
				aspect_ratio = EXCLUDED.aspect_ratio,
				mime_type = EXCLUDED.mime_type,
				source_url = EXCLUDED.source_url,
				data = EXCLUDED.data`,
		asset.ID, asset.BrandID, asset.UserID, asset.Prompt,
		asset.AspectRatio, asset.MIMEType, asset.SourceURL, asset.Data, createdAt)
	if err != nil {
		return fmt.Errorf("failed to put asset: %w", err)
	}

	return nil
}
