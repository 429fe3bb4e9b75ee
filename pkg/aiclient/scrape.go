package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultScrapeTimeout = 30 * time.Second
	scrapeMaxAttempts    = 3
	scrapeBaseBackoff    = 500 * time.Millisecond
)

// ErrUpstreamUnavailable is returned after transient upstream failures
// exhaust their retry budget. Handlers translate it into a 503.
var ErrUpstreamUnavailable = errors.New("upstream service unavailable")

// Branding is the structured result of a page extraction.
type Branding struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Colors      []string `json:"colors"`
	LogoURL     string   `json:"logoUrl"`
}

// ScrapeClient abstracts the branding-extraction service.
type ScrapeClient interface {
	ScrapeBranding(ctx context.Context, url string) (*Branding, error)
}

// FirecrawlClient talks to a Firecrawl-compatible extraction endpoint.
// Transient gateway statuses (502/503/504) are retried with exponential
// backoff before surfacing ErrUpstreamUnavailable.
type FirecrawlClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewFirecrawlClient creates a branding scrape client.
func NewFirecrawlClient(baseURL, apiKey string, httpClient *http.Client) *FirecrawlClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultScrapeTimeout}
	}
	return &FirecrawlClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Metadata struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			OGImage     string `json:"ogImage"`
		} `json:"metadata"`
		Branding Branding `json:"branding"`
	} `json:"data"`
	Error string `json:"error"`
}

// ScrapeBranding implements ScrapeClient.
func (c *FirecrawlClient) ScrapeBranding(ctx context.Context, url string) (*Branding, error) {
	payload, err := json.Marshal(scrapeRequest{URL: url, Formats: []string{"branding"}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	body, err := c.postWithRetry(ctx, c.baseURL+"/v1/scrape", payload)
	if err != nil {
		return nil, err
	}

	var resp scrapeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse scrape response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("scrape failed: %s", resp.Error)
	}

	branding := resp.Data.Branding
	if branding.Name == "" {
		branding.Name = resp.Data.Metadata.Title
	}
	if branding.Description == "" {
		branding.Description = resp.Data.Metadata.Description
	}
	if branding.LogoURL == "" {
		branding.LogoURL = resp.Data.Metadata.OGImage
	}

	return &branding, nil
}

// postWithRetry posts the payload, retrying transient gateway failures with
// exponential backoff.
func (c *FirecrawlClient) postWithRetry(ctx context.Context, url string, payload []byte) ([]byte, error) {
	var lastStatus int

	for attempt := 0; attempt < scrapeMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := scrapeBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if isTransientStatus(resp.StatusCode) {
			lastStatus = resp.StatusCode
			continue
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("scrape endpoint returned %d", resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}
		return body, nil
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts (last status %d)",
		ErrUpstreamUnavailable, scrapeMaxAttempts, lastStatus)
}

func isTransientStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}
