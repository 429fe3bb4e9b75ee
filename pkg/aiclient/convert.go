package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultConvertTimeout = 60 * time.Second

// ConvertClient abstracts the raster conversion service (SVG in by URL,
// PNG bytes out).
type ConvertClient interface {
	SVGToPNG(ctx context.Context, svgURL string) ([]byte, error)
}

// ConvertAPIClient talks to a ConvertAPI-compatible conversion endpoint.
type ConvertAPIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewConvertAPIClient creates a raster conversion client.
func NewConvertAPIClient(baseURL, apiKey string, httpClient *http.Client) *ConvertAPIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultConvertTimeout}
	}
	return &ConvertAPIClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type convertRequest struct {
	Parameters []convertParameter `json:"Parameters"`
}

type convertParameter struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type convertResponse struct {
	Files []struct {
		FileName string `json:"FileName"`
		FileData string `json:"FileData"`
	} `json:"Files"`
}

// SVGToPNG implements ConvertClient. The service takes the source by URL and
// returns base64-encoded file data.
func (c *ConvertAPIClient) SVGToPNG(ctx context.Context, svgURL string) ([]byte, error) {
	payload, err := json.Marshal(convertRequest{
		Parameters: []convertParameter{
			{Name: "File", Value: svgURL},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal convert request: %w", err)
	}

	url := c.baseURL + "/convert/svg/to/png"
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
	defer func() {
		_ = resp.Body.Close()
	}()

	if isTransientStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%w: convert endpoint returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("convert endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var converted convertResponse
	if err := json.Unmarshal(body, &converted); err != nil {
		return nil, fmt.Errorf("failed to parse convert response: %w", err)
	}
	if len(converted.Files) == 0 {
		return nil, fmt.Errorf("convert response contained no files")
	}

	data, err := base64.StdEncoding.DecodeString(converted.Files[0].FileData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted file: %w", err)
	}

	return data, nil
}
