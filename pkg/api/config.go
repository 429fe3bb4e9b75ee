// Package api exposes the generation endpoints: brand-aware asset
// generation, branding extraction from a URL, and raster conversion. Every
// mutating endpoint charges credits through the ledger before calling out.
package api

import (
	"net/http"

	"github.com/brandforge/brandforge/pkg/aiclient"
	"github.com/brandforge/brandforge/pkg/ledger"
)

// Config wires the handler's collaborators.
type Config struct {
	// Ledger charges and refreshes credit balances.
	Ledger *ledger.Service

	// Storage provides brand and asset rows.
	Storage ledger.Storage

	// Images renders creatives. Required for /assets/generate.
	Images aiclient.ImageClient

	// Scraper extracts branding from a page. Required for /brands/scrape.
	Scraper aiclient.ScrapeClient

	// Converter rasterizes SVG sources. Required for /assets/convert.
	Converter aiclient.ConvertClient

	// GetUserID extracts the authenticated user from the request. An empty
	// return means unauthenticated (401).
	GetUserID func(r *http.Request) string

	// GenerationCost is the credit price of one generated asset. Defaults to 1.
	GenerationCost int

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger ledger.Logger
}
