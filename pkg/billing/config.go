package billing

import (
	"net/http"
	"time"

	"github.com/brandforge/brandforge/pkg/ledger"
)

// Config defines the standard configuration all providers should accept.
type Config struct {
	// Ledger is the credit/subscription service mutated by validated events.
	Ledger *ledger.Service

	// Storage gives providers direct access to the event store and plan rows.
	Storage ledger.Storage

	// WebhookSecret is the shared secret used to verify inbound webhook
	// signatures. Verification runs over the raw request bytes.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (full-resource fetches during checkout handling, SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// DuplicateGraceWindow treats an existing event record younger than this
	// as a concurrent in-flight delivery and short-circuits it as a
	// duplicate. This is a timing heuristic layered on top of the atomic
	// insert, not the primary correctness mechanism. Defaults to 5s.
	DuplicateGraceWindow time.Duration

	// Notifier receives best-effort conversion events after successful
	// ledger mutations. If nil, notifications are skipped.
	Notifier Notifier

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger ledger.Logger

	// Metrics is an optional metrics collector for webhook processing.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}

// Notifier forwards business events to ad-attribution platforms. All
// implementations must be fire-and-forget: failures are logged and swallowed,
// and Notify must never block the caller's response path.
type Notifier interface {
	Notify(eventName, userID string, value float64, currency string, properties map[string]string)
}
