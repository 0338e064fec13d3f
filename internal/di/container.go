package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/bazaarline/api/internal/handlers"
	"github.com/bazaarline/api/internal/payments"
	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/platform/config"
	"github.com/bazaarline/api/internal/platform/idempotency"
	"github.com/bazaarline/api/internal/platform/observability"
	"github.com/bazaarline/api/internal/repositories"
	"github.com/bazaarline/api/internal/services"
)

// Platform carries the infrastructure adapters the entrypoint builds before the container:
// the ledger store, the event sink and the stores backing request replay protection.
type Platform struct {
	Registry    repositories.Registry
	Events      services.OrderEventPublisher
	Idempotency idempotency.Store
	Nonces      auth.NonceStore
	HMACMetrics auth.MetricsRecorder
	Logger      *zap.Logger
	Build       services.BuildInfo
	Clock       func() time.Time
	IDGenerator func() string
	Middlewares []func(http.Handler) http.Handler
}

// Container wires repositories, the lifecycle engine and the HTTP surface for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Engine       *services.Engine
	// Webhooks is nil when no gateway secret is configured; webhook routes then answer 501.
	Webhooks *payments.Registry
	Router   http.Handler

	idempotency idempotency.Store
	logger      *zap.Logger
	clock       func() time.Time
}

// NewContainer builds the engine over the platform registry and mounts every route group.
func NewContainer(cfg config.Config, platform Platform) (*Container, error) {
	if platform.Registry == nil {
		return nil, errors.New("di: repositories registry is required")
	}
	if platform.Idempotency == nil {
		return nil, errors.New("di: idempotency store is required")
	}

	logger := platform.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := platform.Clock
	if clock == nil {
		clock = time.Now
	}
	nonces := platform.Nonces
	if nonces == nil {
		nonces = auth.NewInMemoryNonceStore()
	}

	engine, err := services.NewEngine(services.EngineDeps{
		Registry:    platform.Registry,
		Events:      platform.Events,
		Clock:       clock,
		IDGenerator: platform.IDGenerator,
		Logger:      observability.ServiceLogger(logger.Named("engine")),
		Build:       platform.Build,
	})
	if err != nil {
		return nil, err
	}

	webhooks, err := buildWebhookRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	authenticator := auth.NewAuthenticator(cfg.Auth.ActorTokenSecret,
		auth.WithIssuer(cfg.Auth.ActorTokenIssuer),
		auth.WithClock(clock),
	)
	guard := handlers.NewActorGuard(authenticator, idempotency.Middleware(
		platform.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
		idempotency.WithClock(clock),
	))

	hmacOpts := []auth.HMACOption{
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger.Named("auth"))),
		auth.WithHMACHeaders(auth.HMACHeaders{
			Caller:    cfg.Auth.HMAC.CallerHeader,
			Signature: cfg.Auth.HMAC.SignatureHeader,
			Timestamp: cfg.Auth.HMAC.TimestampHeader,
			Nonce:     cfg.Auth.HMAC.NonceHeader,
		}),
		auth.WithHMACReplayWindow(cfg.Auth.HMAC.ClockSkew, cfg.Auth.HMAC.NonceTTL),
		auth.WithHMACClock(clock),
	}
	if platform.HMACMetrics != nil {
		hmacOpts = append(hmacOpts, auth.WithHMACMetrics(platform.HMACMetrics))
	}
	validator := auth.NewHMACValidator(callerSecrets(cfg.Auth.HMAC.Secrets, logger), nonces, hmacOpts...)

	var checkoutOpts []handlers.CheckoutOption
	if cfg.Checkout.RateLimit > 0 {
		checkoutOpts = append(checkoutOpts, handlers.WithCheckoutRateLimit(cfg.Checkout.RateLimit, cfg.Checkout.RateWindow, clock))
	}

	health := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(platform.Build),
		handlers.WithHealthSystemService(engine.System),
		handlers.WithHealthClock(clock),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(platform.Middlewares...),
		handlers.WithHealthHandlers(health),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(guard, engine.Checkout, checkoutOpts...).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(guard, engine.Orders, engine.Checkout, engine.Settlements).Routes),
		handlers.WithSettlementRoutes(handlers.NewSettlementHandlers(guard, engine.Settlements).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(handlers.InternalHandlersDeps{
			HMAC:        validator,
			Inventory:   engine.Inventory,
			Orders:      engine.Orders,
			Checkout:    engine.Checkout,
			Settlements: engine.Settlements,
			System:      engine.System,
		}).Routes),
	}
	if webhooks != nil {
		opts = append(opts, handlers.WithWebhookRoutes(handlers.NewPaymentWebhookHandlers(webhooks, engine.Checkout).Routes))
	}

	return &Container{
		Config:       cfg,
		Repositories: platform.Registry,
		Engine:       engine,
		Webhooks:     webhooks,
		Router:       handlers.NewRouter(opts...),
		idempotency:  platform.Idempotency,
		logger:       logger,
		clock:        clock,
	}, nil
}

func buildWebhookRegistry(cfg config.Config, logger *zap.Logger) (*payments.Registry, error) {
	if strings.TrimSpace(cfg.Stripe.WebhookSecret) == "" {
		logger.Warn("stripe webhook secret not configured; payment webhooks disabled")
		return nil, nil
	}
	stripeParser, err := payments.NewStripeWebhookParser(payments.StripeWebhookConfig{
		Secret: cfg.Stripe.WebhookSecret,
		Logger: payments.StripeLogger(observability.ServiceLogger(logger.Named("payments"))),
	})
	if err != nil {
		return nil, fmt.Errorf("di: stripe webhook parser: %w", err)
	}
	registry, err := payments.NewRegistry(map[string]payments.WebhookParser{"stripe": stripeParser})
	if err != nil {
		return nil, fmt.Errorf("di: payment webhook registry: %w", err)
	}
	return registry, nil
}

// callerSecrets keeps the secrets of known internal callers and warns about the rest so a
// misspelt caller name shows up at startup instead of as 401s.
func callerSecrets(raw map[string]string, logger *zap.Logger) auth.StaticSecrets {
	secrets, unknown := auth.NewStaticSecrets(raw, auth.InternalCallers()...)
	if len(unknown) > 0 {
		logger.Warn("ignoring hmac secrets for unknown callers", zap.Strings("callers", unknown))
	}
	if missing, _ := lo.Difference(auth.InternalCallers(), secrets.Callers()); len(missing) > 0 {
		logger.Warn("internal callers without hmac secret are rejected", zap.Strings("callers", missing))
	}
	return secrets
}

// RunIdempotencyCleanup purges expired idempotency records every interval until ctx is done.
func (c *Container) RunIdempotencyCleanup(ctx context.Context, interval time.Duration, batch int) {
	if c == nil || c.idempotency == nil || interval <= 0 {
		return
	}
	logger := c.logger.Named("idempotency")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.idempotency.CleanupExpired(runCtx, c.clock().UTC(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
