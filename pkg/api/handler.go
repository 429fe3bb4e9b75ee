package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brandforge/brandforge/pkg/aiclient"
	"github.com/brandforge/brandforge/pkg/ledger"
)

const (
	maxAPIBody        = 1 << 20 // 1 MiB
	defaultGenCost    = 1
	defaultAspect     = "1:1"
	convertFormatPNG  = "png"
	scrapeTimeout     = 60 * time.Second
	generationTimeout = 120 * time.Second
)

// Handler serves the generation endpoints.
type Handler struct {
	config Config
	logger ledger.Logger
}

// NewHandler creates the generation API handler.
func NewHandler(config Config) *Handler {
	if config.GenerationCost <= 0 {
		config.GenerationCost = defaultGenCost
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}
}

// Routes returns the chi router for the generation API. Callers mount it
// under their versioned prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Use(h.recoverMiddleware)

	r.Post("/assets/generate", h.handleGenerate)
	r.Post("/assets/convert", h.handleConvert)
	r.Post("/brands/scrape", h.handleScrape)
	r.Get("/credits/balance", h.handleBalance)

	return r
}

// corsMiddleware answers preflight requests and attaches permissive CORS
// headers; browser clients call these endpoints directly.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware converts panics into a 500 JSON response instead of a
// dropped connection.
func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic in api handler",
					ledger.Field{Key: "path", Value: r.URL.Path},
					ledger.Field{Key: "panic", Value: rec},
				)
				h.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := h.authenticate(w, r)
	if userID == "" {
		return
	}
	if h.config.Images == nil {
		h.writeError(w, http.StatusServiceUnavailable, "image generation is not configured")
		return
	}

	var req GenerateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.BrandID == "" || strings.TrimSpace(req.Prompt) == "" {
		h.writeError(w, http.StatusBadRequest, "brandId and prompt are required")
		return
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = defaultAspect
	}

	brand, err := h.config.Storage.GetBrand(r.Context(), req.BrandID)
	if err != nil {
		if errors.Is(err, ledger.ErrBrandNotFound) {
			h.writeError(w, http.StatusNotFound, "brand not found")
			return
		}
		h.logger.Error("brand lookup failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if brand.UserID != userID {
		h.writeError(w, http.StatusForbidden, "brand belongs to another user")
		return
	}

	// Charge before calling out; the balance CAS is the concurrency gate.
	remaining, err := h.config.Ledger.DeductCredits(r.Context(), userID, h.config.GenerationCost, "asset_generation", "generated asset for brand "+brand.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			h.writeInsufficient(w, r, userID)
			return
		}
		h.logger.Error("credit deduction failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ctx, cancel := contextWithTimeout(r, generationTimeout)
	defer cancel()

	img, err := h.config.Images.GenerateImage(ctx, brandedPrompt(brand, req.Prompt), aspect)
	if err != nil {
		// The charge stands: generation failures are refunded so a retry
		// does not double-bill the user.
		if _, refundErr := h.config.Ledger.GrantCredits(r.Context(), userID, h.config.GenerationCost, "generation_refund", "refund for failed generation"); refundErr != nil {
			h.logger.Error("refund after failed generation failed",
				ledger.Field{Key: "user_id", Value: userID},
				ledger.Field{Key: "error", Value: refundErr},
			)
		}
		if errors.Is(err, aiclient.ErrUpstreamUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "image service unavailable")
			return
		}
		h.logger.Error("image generation failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "image generation failed")
		return
	}

	asset := &ledger.Asset{
		ID:          uuid.NewString(),
		BrandID:     brand.ID,
		UserID:      userID,
		Prompt:      req.Prompt,
		AspectRatio: aspect,
		MIMEType:    img.MIMEType,
		Data:        img.Data,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.config.Storage.PutAsset(r.Context(), asset); err != nil {
		h.logger.Error("asset persist failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "failed to store asset")
		return
	}

	_ = writeJSON(w, http.StatusOK, GenerateResponse{
		Success: true,
		Asset: AssetView{
			ID:          asset.ID,
			BrandID:     asset.BrandID,
			AspectRatio: asset.AspectRatio,
			MIMEType:    asset.MIMEType,
			Data:        base64.StdEncoding.EncodeToString(asset.Data),
			CreatedAt:   asset.CreatedAt,
		},
		Credits: remaining,
	})
}

func (h *Handler) handleScrape(w http.ResponseWriter, r *http.Request) {
	userID := h.authenticate(w, r)
	if userID == "" {
		return
	}
	if h.config.Scraper == nil {
		h.writeError(w, http.StatusServiceUnavailable, "branding extraction is not configured")
		return
	}

	var req ScrapeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		h.writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	ctx, cancel := contextWithTimeout(r, scrapeTimeout)
	defer cancel()

	branding, err := h.config.Scraper.ScrapeBranding(ctx, req.URL)
	if err != nil {
		if errors.Is(err, aiclient.ErrUpstreamUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "scrape service unavailable")
			return
		}
		h.logger.Error("branding scrape failed",
			ledger.Field{Key: "url", Value: req.URL},
			ledger.Field{Key: "error", Value: err},
		)
		h.writeError(w, http.StatusInternalServerError, "branding extraction failed")
		return
	}

	brand := &ledger.Brand{
		ID:          req.BrandID,
		UserID:      userID,
		Name:        branding.Name,
		Description: branding.Description,
		Colors:      branding.Colors,
		LogoURL:     branding.LogoURL,
		CreatedAt:   time.Now().UTC(),
	}
	if brand.ID == "" {
		brand.ID = uuid.NewString()
	} else {
		// Updating an existing brand requires ownership.
		existing, err := h.config.Storage.GetBrand(r.Context(), brand.ID)
		if err != nil && !errors.Is(err, ledger.ErrBrandNotFound) {
			h.logger.Error("brand lookup failed", ledger.Field{Key: "error", Value: err})
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if existing != nil {
			if existing.UserID != userID {
				h.writeError(w, http.StatusForbidden, "brand belongs to another user")
				return
			}
			brand.CreatedAt = existing.CreatedAt
		}
	}
	if err := h.config.Storage.PutBrand(r.Context(), brand); err != nil {
		h.logger.Error("brand persist failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "failed to store brand")
		return
	}

	_ = writeJSON(w, http.StatusOK, ScrapeResponse{
		Success:     true,
		BrandID:     brand.ID,
		Name:        brand.Name,
		Description: brand.Description,
		Colors:      brand.Colors,
		LogoURL:     brand.LogoURL,
	})
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	userID := h.authenticate(w, r)
	if userID == "" {
		return
	}
	if h.config.Converter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "conversion is not configured")
		return
	}

	var req ConvertRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ImageID == "" {
		h.writeError(w, http.StatusBadRequest, "imageId is required")
		return
	}
	if req.Format != convertFormatPNG {
		h.writeError(w, http.StatusBadRequest, "unsupported format: only png is supported")
		return
	}

	asset, err := h.config.Storage.GetAsset(r.Context(), req.ImageID)
	if err != nil {
		if errors.Is(err, ledger.ErrAssetNotFound) {
			h.writeError(w, http.StatusNotFound, "asset not found")
			return
		}
		h.logger.Error("asset lookup failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if asset.UserID != userID {
		h.writeError(w, http.StatusForbidden, "asset belongs to another user")
		return
	}
	if asset.SourceURL == "" {
		h.writeError(w, http.StatusBadRequest, "asset has no hosted source to convert")
		return
	}

	data, err := h.config.Converter.SVGToPNG(r.Context(), asset.SourceURL)
	if err != nil {
		if errors.Is(err, aiclient.ErrUpstreamUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "conversion service unavailable")
			return
		}
		h.logger.Error("conversion failed",
			ledger.Field{Key: "image_id", Value: asset.ID},
			ledger.Field{Key: "error", Value: err},
		)
		h.writeError(w, http.StatusInternalServerError, "conversion failed")
		return
	}

	converted := &ledger.Asset{
		ID:          uuid.NewString(),
		BrandID:     asset.BrandID,
		UserID:      userID,
		Prompt:      asset.Prompt,
		AspectRatio: asset.AspectRatio,
		MIMEType:    "image/png",
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.config.Storage.PutAsset(r.Context(), converted); err != nil {
		h.logger.Error("converted asset persist failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "failed to store converted asset")
		return
	}

	_ = writeJSON(w, http.StatusOK, ConvertResponse{
		Success:  true,
		ImageID:  converted.ID,
		MIMEType: converted.MIMEType,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := h.authenticate(w, r)
	if userID == "" {
		return
	}

	balance, err := h.config.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", ledger.Field{Key: "error", Value: err})
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	_ = writeJSON(w, http.StatusOK, BalanceResponse{Success: true, Credits: balance.Credits})
}

// authenticate resolves the caller's user ID, writing a 401 when there is
// none. An empty return means the response has been written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) string {
	if h.config.GetUserID == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication is not configured")
		return ""
	}
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return userID
}

// decode reads and unmarshals the request body, writing the error response
// itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := readBody(w, r, maxAPIBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			h.writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeInsufficient reports a 402 with the caller's current balance so the
// client can render an upsell without a second round trip.
func (h *Handler) writeInsufficient(w http.ResponseWriter, r *http.Request, userID string) {
	var credits *int
	if balance, err := h.config.Ledger.Balance(r.Context(), userID); err == nil {
		credits = &balance.Credits
	}
	_ = writeJSON(w, http.StatusPaymentRequired, errorResponse{
		Error:   "insufficient credits",
		Credits: credits,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	_ = writeJSON(w, code, errorResponse{Error: message})
}

// brandedPrompt folds the brand's identity into the generation prompt.
func brandedPrompt(brand *ledger.Brand, prompt string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if brand.Name != "" {
		b.WriteString("\nBrand: ")
		b.WriteString(brand.Name)
	}
	if brand.Description != "" {
		b.WriteString("\nBrand description: ")
		b.WriteString(brand.Description)
	}
	if len(brand.Colors) > 0 {
		b.WriteString("\nBrand colors: ")
		b.WriteString(strings.Join(brand.Colors, ", "))
	}
	return b.String()
}

// contextWithTimeout bounds an outbound call without outliving the request.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
