// Package billing defines the provider-agnostic webhook dispatch contract:
// a billing backend verifies inbound events, deduplicates them through the
// ledger's event store, and applies subscription and credit mutations.
package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// This keeps the application able to swap payment providers with zero logic
// changes.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles signature verification, deduplication, and
	// ledger updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription state from
	// the provider into the ledger. Used for support tooling and nightly
	// reconciliation jobs. Returns the resolved plan ID and any error.
	SyncUser(ctx context.Context, userID string) (string, error)
}
