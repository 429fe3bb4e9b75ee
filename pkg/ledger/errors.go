package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a deduction would drive the
	// balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrBalanceConflict is returned when a compare-and-swap balance update
	// loses the race to a concurrent writer.
	ErrBalanceConflict = errors.New("credit balance modified concurrently")

	// ErrSubscriptionNotFound is returned when a user has no subscription row.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound is returned when a provider price ID maps to no known plan.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPackageNotFound is returned for unknown credit package identifiers.
	ErrPackageNotFound = errors.New("credit package not found")

	// ErrBrandNotFound is returned when a brand row does not exist.
	ErrBrandNotFound = errors.New("brand not found")

	// ErrAssetNotFound is returned when an asset row does not exist.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrInvalidAmount is returned for zero or negative credit amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)
