// Command server runs the BrandForge backend: the Stripe webhook endpoint,
// the generation API, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpmw "github.com/brandforge/brandforge/middleware/http"
	"github.com/brandforge/brandforge/pkg/aiclient"
	"github.com/brandforge/brandforge/pkg/api"
	"github.com/brandforge/brandforge/pkg/billing"
	prommetrics "github.com/brandforge/brandforge/pkg/billing/metrics/prometheus"
	"github.com/brandforge/brandforge/pkg/billing/notify"
	stripeprovider "github.com/brandforge/brandforge/pkg/billing/stripe"
	"github.com/brandforge/brandforge/pkg/ledger"
	zerologadapter "github.com/brandforge/brandforge/pkg/ledger/logger/zerolog"
	"github.com/brandforge/brandforge/storage/memory"
	"github.com/brandforge/brandforge/storage/postgres"
	redisstorage "github.com/brandforge/brandforge/storage/redis"
)

const (
	shutdownTimeout    = 15 * time.Second
	notifyDrainTimeout = 5 * time.Second
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	zl := newZerolog(os.Getenv("LOG_LEVEL"))
	logger := zerologadapter.NewLogger(zl)

	if err := run(context.Background(), logger, zl); err != nil {
		zl.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, logger ledger.Logger, zl zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, cleanup, err := openStorage(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer cleanup()

	ledgerSvc, err := ledger.NewService(storage, ledger.Config{
		MaxCASRetries: envInt("LEDGER_CAS_RETRIES", 0),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger service: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, "brandforge")

	var notifier billing.Notifier
	var conversions *notify.Notifier
	if url := os.Getenv("NOTIFY_URL"); url != "" {
		conversions = notify.New(notify.Config{
			EndpointURL: url,
			APIKey:      os.Getenv("NOTIFY_API_KEY"),
			Logger:      logger,
		})
		notifier = conversions
	}

	router := chi.NewRouter()

	// Billing webhook. Signature verification replaces bearer auth here.
	if apiKey := os.Getenv("STRIPE_API_KEY"); apiKey != "" {
		provider, err := stripeprovider.NewProvider(stripeprovider.Config{
			Config: billing.Config{
				Ledger:   ledgerSvc,
				Storage:  storage,
				Notifier: notifier,
				Logger:   logger,
				Metrics:  metrics,
			},
			StripeAPIKey:        apiKey,
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
		router.Method(http.MethodPost, "/v1/webhooks/stripe", provider.WebhookHandler())
		logger.Info("stripe webhook endpoint enabled")
	} else {
		logger.Warn("STRIPE_API_KEY not set, webhook endpoint disabled")
	}

	// Generation API behind bearer auth.
	apiHandler := api.NewHandler(api.Config{
		Ledger:         ledgerSvc,
		Storage:        storage,
		Images:         newImageClient(ctx, logger),
		Scraper:        newScrapeClient(),
		Converter:      newConvertClient(),
		GetUserID:      httpmw.UserID,
		GenerationCost: envInt("GENERATION_COST", 1),
		Logger:         logger,
	})
	auth := httpmw.Auth(httpmw.Config{
		Verify: httpmw.StaticKeyVerifier(parseTokenMap(os.Getenv("API_TOKENS"))),
		Logger: logger,
	})
	router.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Mount("/", apiHandler.Routes())
	})

	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := ":" + envOr("PORT", "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", ledger.Field{Key: "addr", Value: addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if conversions != nil {
		drainNotifier(conversions, notifyDrainTimeout)
	}
	zl.Info().Msg("server stopped")
	return err
}

// drainNotifier waits for in-flight conversion posts, giving up after d so a
// stuck endpoint cannot hold up shutdown.
func drainNotifier(n *notify.Notifier, d time.Duration) {
	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

// openStorage picks the backend from the environment: DATABASE_URL wins,
// then REDIS_ADDR, then in-memory (development only).
func openStorage(ctx context.Context, logger ledger.Logger) (ledger.Storage, func(), error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = dsn
		store, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres storage")
		return store, store.Close, nil
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		})
		store, err := redisstorage.New(client, redisstorage.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis storage", ledger.Field{Key: "addr", Value: addr})
		return store, func() { _ = client.Close() }, nil
	}

	logger.Warn("no DATABASE_URL or REDIS_ADDR set, using in-memory storage")
	return memory.New(), func() {}, nil
}

func newImageClient(ctx context.Context, logger ledger.Logger) aiclient.ImageClient {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil
	}
	client, err := aiclient.NewGeminiImageClient(ctx, apiKey)
	if err != nil {
		logger.Error("failed to create image client", ledger.Field{Key: "error", Value: err})
		return nil
	}
	return client
}

func newScrapeClient() aiclient.ScrapeClient {
	apiKey := os.Getenv("FIRECRAWL_API_KEY")
	if apiKey == "" {
		return nil
	}
	return aiclient.NewFirecrawlClient(envOr("FIRECRAWL_URL", "https://api.firecrawl.dev"), apiKey, nil)
}

func newConvertClient() aiclient.ConvertClient {
	secret := os.Getenv("CONVERTAPI_SECRET")
	if secret == "" {
		return nil
	}
	return aiclient.NewConvertAPIClient(envOr("CONVERTAPI_URL", "https://v2.convertapi.com"), secret, nil)
}

func newZerolog(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "brandforge").Logger()
}

// parseTokenMap parses "token=user,token2=user2" into a verifier map.
func parseTokenMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && user != "" {
			out[token] = user
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
