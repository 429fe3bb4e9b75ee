// Package notify forwards business events (purchases, subscription starts)
// to ad-attribution platforms. Delivery is strictly best-effort: calls run on
// detached goroutines with their own deadline, and failures are logged and
// swallowed so the webhook response path is never blocked or failed by
// attribution problems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/brandforge/brandforge/pkg/ledger"
)

const defaultTimeout = 5 * time.Second

// Config holds conversion notifier configuration.
type Config struct {
	// EndpointURL is the attribution platform's ingestion endpoint.
	EndpointURL string

	// APIKey is sent as a bearer token if non-empty.
	APIKey string

	// HTTPClient is an optional HTTP client. If nil a 5s-timeout client is used.
	HTTPClient *http.Client

	// Timeout bounds each delivery attempt. Defaults to 5s.
	Timeout time.Duration

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger ledger.Logger
}

// Notifier implements billing.Notifier over a fire-and-forget HTTP POST.
type Notifier struct {
	config Config
	client *http.Client
	logger ledger.Logger

	// wg tracks in-flight deliveries so tests and shutdown can drain them.
	wg sync.WaitGroup
}

type conversionPayload struct {
	Event      string            `json:"event"`
	UserID     string            `json:"user_id"`
	Value      float64           `json:"value,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// New creates a conversion notifier.
func New(config Config) *Notifier {
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Notifier{
		config: config,
		client: client,
		logger: logger,
	}
}

// Notify spawns a detached delivery attempt. It returns immediately; the
// caller's context and error flow are never involved.
func (n *Notifier) Notify(eventName, userID string, value float64, currency string, properties map[string]string) {
	if n.config.EndpointURL == "" {
		return
	}

	payload := conversionPayload{
		Event:      eventName,
		UserID:     userID,
		Value:      value,
		Currency:   currency,
		Properties: properties,
		Timestamp:  time.Now().UTC(),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(payload); err != nil {
			n.logger.Warn("conversion notification failed",
				ledger.Field{Key: "event", Value: eventName},
				ledger.Field{Key: "user_id", Value: userID},
				ledger.Field{Key: "error", Value: err.Error()},
			)
		}
	}()
}

// Wait blocks until all in-flight deliveries finish. Used by tests and
// graceful shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(payload conversionPayload) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.APIKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("attribution endpoint returned %d", resp.StatusCode)
	}
	return nil
}
