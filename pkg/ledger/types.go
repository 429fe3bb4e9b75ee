// Package ledger holds the billing domain model: subscriptions, credit
// balances, the append-only credit transaction log, and the processed-event
// records that make webhook handling idempotent.
package ledger

import "time"

// SubscriptionStatus mirrors the payment provider's subscription state
// machine. Transitions are never inferred locally; they always come from a
// validated provider event.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// BillingCycle is derived from the recurring interval on the provider price.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// TransactionType distinguishes credit grants from deductions in the log.
type TransactionType string

const (
	TransactionGranted  TransactionType = "granted"
	TransactionDeducted TransactionType = "deducted"
)

// ProcessedEvent records that an externally-delivered event has been seen.
// Rows are created exactly once per distinct event ID, enforced by a
// uniqueness constraint in storage, and are never updated or deleted.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// Subscription is the local projection of a provider subscription.
// One row per user, upserted on every validated lifecycle event.
type Subscription struct {
	UserID             string
	PlanID             string
	Status             SubscriptionStatus
	BillingCycle       BillingCycle
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	ExternalCustomerID string
	UpdatedAt          time.Time
}

// Plan describes a purchasable subscription tier. MonthlyPriceID and
// YearlyPriceID are the provider price identifiers used to resolve incoming
// subscription events back to a plan.
type Plan struct {
	ID             string
	Name           string
	MonthlyPriceID string
	YearlyPriceID  string
	Credits        int
}

// CreditPackage is a one-time credit purchase (no subscription attached).
type CreditPackage struct {
	ID      string
	Name    string
	PriceID string
	Credits int
}

// CreditBalance is the source of truth for a user's spendable credits.
// It is mutated only through compare-and-swap storage operations.
type CreditBalance struct {
	UserID    string
	Credits   int
	UpdatedAt time.Time
}

// CreditTransaction is one entry in the append-only audit log. The log is
// best-effort: balance updates commit first and a failed log insert never
// rolls them back.
type CreditTransaction struct {
	ID           string
	UserID       string
	Type         TransactionType
	Amount       int
	BalanceAfter int
	Source       string
	Description  string
	CreatedAt    time.Time
}

// Brand is a user-owned brand profile consumed by the generation endpoints.
type Brand struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Colors      []string
	LogoURL     string
	CreatedAt   time.Time
}

// Asset is a generated creative tied to a brand. SourceURL points at the
// hosted copy when one exists; Data holds the raw bytes.
type Asset struct {
	ID          string
	BrandID     string
	UserID      string
	Prompt      string
	AspectRatio string
	MIMEType    string
	SourceURL   string
	Data        []byte
	CreatedAt   time.Time
}
