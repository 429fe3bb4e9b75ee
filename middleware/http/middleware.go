// Package http provides HTTP middleware for request authentication.
package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/brandforge/brandforge/pkg/ledger"
)

type contextKey string

const userIDKey contextKey = "brandforge.user_id"

// TokenVerifier resolves a bearer token into a user ID.
// Return an empty string if the token is invalid or expired.
type TokenVerifier func(ctx context.Context, token string) (string, error)

// Config holds middleware configuration.
type Config struct {
	// Verify resolves bearer tokens into user IDs (required).
	Verify TokenVerifier

	// OnUnauthorized is called when the request carries no valid token.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when token verification fails with an internal error.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger ledger.Logger
}

// Auth creates an HTTP middleware that authenticates bearer tokens and
// stores the resolved user ID in the request context. Preflight requests
// pass through unauthenticated so CORS can answer them.
func Auth(config Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				unauthorized(config, w, r)
				return
			}

			userID, err := config.Verify(r.Context(), token)
			if err != nil {
				logger.Error("token verification failed", ledger.Field{Key: "error", Value: err})
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if userID == "" {
				unauthorized(config, w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user ID stored by Auth, or "" if the
// request never passed through it.
func UserID(r *http.Request) string {
	if v, ok := r.Context().Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// StaticKeyVerifier returns a TokenVerifier backed by a fixed token-to-user
// map. Useful for tests and single-tenant deployments.
func StaticKeyVerifier(keys map[string]string) TokenVerifier {
	return func(_ context.Context, token string) (string, error) {
		return keys[token], nil
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func unauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
