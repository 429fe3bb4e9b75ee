package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config holds ledger service configuration.
type Config struct {
	// MaxCASRetries bounds how many times a balance update is retried after
	// losing a compare-and-swap race. Zero preserves the historical behavior
	// of treating a lost race as a conflict surfaced to the caller.
	MaxCASRetries int

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger Logger
}

// Service applies credit grants, deductions, and subscription writes against
// a Storage backend. Balance updates go through compare-and-swap; the
// transaction log is appended best-effort after the balance commits.
type Service struct {
	storage Storage
	config  Config
	logger  Logger
}

// NewService creates a ledger service backed by the given storage.
func NewService(storage Storage, config Config) (*Service, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Service{
		storage: storage,
		config:  config,
		logger:  logger,
	}, nil
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (*CreditBalance, error) {
	return s.storage.GetBalance(ctx, userID)
}

// GrantCredits atomically adds credits to a user's balance and appends a
// "granted" entry to the transaction log. Returns the new balance.
func (s *Service) GrantCredits(ctx context.Context, userID string, amount int, source, description string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	newBalance, err := s.swapBalance(ctx, userID, func(current int) (int, error) {
		return current + amount, nil
	})
	if err != nil {
		return 0, err
	}

	s.appendTransaction(ctx, &CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         TransactionGranted,
		Amount:       amount,
		BalanceAfter: newBalance,
		Source:       source,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	})

	return newBalance, nil
}

// DeductCredits atomically subtracts credits from a user's balance. Returns
// ErrInsufficientCredits if the observed balance is below amount, and
// ErrBalanceConflict if every compare-and-swap attempt loses its race. The
// balance never goes negative.
func (s *Service) DeductCredits(ctx context.Context, userID string, amount int, source, description string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	newBalance, err := s.swapBalance(ctx, userID, func(current int) (int, error) {
		if current < amount {
			return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredits, current, amount)
		}
		return current - amount, nil
	})
	if err != nil {
		return 0, err
	}

	s.appendTransaction(ctx, &CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         TransactionDeducted,
		Amount:       -amount,
		BalanceAfter: newBalance,
		Source:       source,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	})

	return newBalance, nil
}

// UpsertSubscription writes the subscription row keyed by user_id.
func (s *Service) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	return s.storage.UpsertSubscription(ctx, sub)
}

// GetSubscription retrieves the subscription row for a user.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return s.storage.GetSubscription(ctx, userID)
}

// Storage exposes the underlying storage for collaborators that need direct
// row access (plan lookups, brand/asset reads).
func (s *Service) Storage() Storage {
	return s.storage
}

// swapBalance runs one read-modify-CAS cycle, retrying a lost race up to
// MaxCASRetries times. apply returns the next balance or a terminal error.
func (s *Service) swapBalance(ctx context.Context, userID string, apply func(current int) (int, error)) (int, error) {
	attempts := s.config.MaxCASRetries + 1
	for i := 0; i < attempts; i++ {
		balance, err := s.storage.GetBalance(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to get balance: %w", err)
		}

		next, err := apply(balance.Credits)
		if err != nil {
			return 0, err
		}

		swapped, err := s.storage.CompareAndSwapBalance(ctx, userID, balance.Credits, next)
		if err != nil {
			return 0, fmt.Errorf("failed to update balance: %w", err)
		}
		if swapped {
			return next, nil
		}

		s.logger.Warn("balance CAS conflict",
			Field{Key: "user_id", Value: userID},
			Field{Key: "attempt", Value: i + 1},
		)
	}

	// Retries exhausted. Re-read once so a loser whose race consumed the
	// balance reports insufficient credits rather than a bare conflict.
	balance, err := s.storage.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if _, err := apply(balance.Credits); err != nil {
		return 0, err
	}
	return 0, ErrBalanceConflict
}

// appendTransaction writes a log entry and swallows failures. The balance is
// the source of truth; the log may lag if its insert fails.
func (s *Service) appendTransaction(ctx context.Context, txn *CreditTransaction) {
	if err := s.storage.AppendTransaction(ctx, txn); err != nil {
		s.logger.Error("failed to append credit transaction",
			Field{Key: "user_id", Value: txn.UserID},
			Field{Key: "type", Value: string(txn.Type)},
			Field{Key: "error", Value: err.Error()},
		)
	}
}
