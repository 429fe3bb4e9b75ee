package api

import "time"

// GenerateRequest asks for one creative for a brand.
type GenerateRequest struct {
	BrandID     string `json:"brandId"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// GenerateResponse returns the stored asset and the caller's remaining credits.
type GenerateResponse struct {
	Success bool      `json:"success"`
	Asset   AssetView `json:"asset"`
	Credits int       `json:"credits"`
}

// AssetView is the wire shape of a stored asset.
type AssetView struct {
	ID          string    `json:"id"`
	BrandID     string    `json:"brandId"`
	AspectRatio string    `json:"aspectRatio"`
	MIMEType    string    `json:"mimeType"`
	Data        string    `json:"data,omitempty"` // base64
	CreatedAt   time.Time `json:"createdAt"`
}

// ScrapeRequest asks for branding extraction from a page.
type ScrapeRequest struct {
	URL     string `json:"url"`
	BrandID string `json:"brandId,omitempty"` // update an existing brand row
}

// ScrapeResponse returns the extracted branding and the stored brand row ID.
type ScrapeResponse struct {
	Success     bool     `json:"success"`
	BrandID     string   `json:"brandId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Colors      []string `json:"colors"`
	LogoURL     string   `json:"logoUrl"`
}

// ConvertRequest asks for a raster conversion of a stored asset.
type ConvertRequest struct {
	ImageID string `json:"imageId"`
	Format  string `json:"format"`
}

// ConvertResponse returns the converted bytes.
type ConvertResponse struct {
	Success  bool   `json:"success"`
	ImageID  string `json:"imageId"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// BalanceResponse returns the caller's current credit balance.
type BalanceResponse struct {
	Success bool `json:"success"`
	Credits int  `json:"credits"`
}

// errorResponse is the uniform error body. Credits is present only on
// insufficient-credit responses.
type errorResponse struct {
	Error   string `json:"error"`
	Credits *int   `json:"credits,omitempty"`
}
