package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bazaarline/api/internal/di"
	"github.com/bazaarline/api/internal/platform/config"
	"github.com/bazaarline/api/internal/platform/idempotency"
	"github.com/bazaarline/api/internal/platform/jobs"
	"github.com/bazaarline/api/internal/platform/observability"
	pgplatform "github.com/bazaarline/api/internal/platform/postgres"
	"github.com/bazaarline/api/internal/platform/secrets"
	"github.com/bazaarline/api/internal/repositories"
	"github.com/bazaarline/api/internal/repositories/memory"
	pgrepo "github.com/bazaarline/api/internal/repositories/postgres"
	"github.com/bazaarline/api/internal/services"
)

const secretHealthReference = "secret://system/healthz?version=latest"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	bootstrapLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"], environmentLabel(envValues))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}

	fetcher, err := newSecretFetcher(ctx, bootstrapLogger, envValues)
	if err != nil {
		bootstrapLogger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			bootstrapLogger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			bootstrapLogger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		bootstrapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	_ = bootstrapLogger.Sync()

	baseLogger, err := observability.NewLogger(cfg.Logging.Level, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var topic *pubsub.Topic
	var events services.OrderEventPublisher
	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" {
		client, err := pubsub.NewClient(ctx, projectID, clientOptions(envValues)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic = client.Topic(cfg.PubSub.Topic)
		defer topic.Stop()

		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		instrumented, err := observability.InstrumentPublisher(publisher, observability.DefaultMeter())
		if err != nil {
			logger.Fatal("failed to instrument order event publisher", zap.Error(err))
		}
		events = instrumented
	} else {
		logger.Warn("pubsub project not configured; order events are dropped")
	}

	checks := dependencyChecks(fetcher, topic)
	registry, idempotencyStore, err := openStore(ctx, cfg, logger, checks)
	if err != nil {
		logger.Fatal("failed to open ledger store", zap.Error(err))
	}

	hmacMetrics, err := observability.NewVerificationMetrics(observability.DefaultMeter())
	if err != nil {
		logger.Warn("hmac verification metrics unavailable", zap.Error(err))
	}

	projectID := traceProjectID(cfg, envValues)
	container, err := di.NewContainer(cfg, di.Platform{
		Registry:    registry,
		Events:      events,
		Idempotency: idempotencyStore,
		HMACMetrics: hmacMetrics,
		Logger:      logger,
		Build:       buildInfo,
		Middlewares: []func(http.Handler) http.Handler{
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		},
	})
	if err != nil {
		logger.Fatal("failed to assemble container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("ledger store close error", zap.Error(err))
		}
	}()

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		container.RunIdempotencyCleanup(cleanupCtx, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize)
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("store", string(cfg.Store.Driver)))
	go func() {
		serverLogger.Info("marketplace order api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openStore selects the ledger store driver and the idempotency store that lives beside it.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger, checks []repositories.DependencyCheck) (repositories.Registry, idempotency.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		provider := pgplatform.NewProvider(cfg.Database)
		pool, err := provider.Pool(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		if cfg.Database.AutoMigrate {
			applied, err := pgplatform.Migrate(ctx, pool)
			if err != nil {
				_ = provider.Close(ctx)
				return nil, nil, fmt.Errorf("postgres migrate: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("postgres migrations applied", zap.Strings("migrations", applied))
			}
		}

		checks = append([]repositories.DependencyCheck{{
			Name:    "postgres",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		}}, checks...)
		health, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		registry, err := pgrepo.NewRegistry(ctx, provider,
			pgrepo.WithHealth(health),
			pgrepo.WithTxOptions(
				pgplatform.WithTxAttempts(cfg.Database.TxAttempts),
				pgplatform.WithTxTimeout(cfg.Database.TxTimeout),
			),
		)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		store, err := idempotency.NewPostgresStore(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		return registry, store, nil

	case config.StoreDriverMemory:
		logger.Warn("using in-memory ledger store; state is lost on restart")
		var opts []memory.Option
		if len(checks) > 0 {
			health, err := repositories.NewDependencyHealthRepository(checks)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, memory.WithHealth(health))
		}
		return memory.New(opts...), idempotency.NewMemoryStore(), nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func dependencyChecks(fetcher *secrets.Fetcher, topic *pubsub.Topic) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				defer fetcher.Invalidate(secretHealthReference)
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 2 * time.Second,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	}
	return checks
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func environmentLabel(env map[string]string) string {
	label := strings.ToLower(strings.TrimSpace(env["API_ENVIRONMENT"]))
	if label == "" {
		return "local"
	}
	return label
}

func traceProjectID(cfg config.Config, env map[string]string) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(env["API_SECRET_DEFAULT_PROJECT_ID"])
}

func clientOptions(env map[string]string) []option.ClientOption {
	if path := strings.TrimSpace(env["API_GOOGLE_CREDENTIALS_FILE"]); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	fallbackPath := strings.TrimSpace(env["API_SECRET_FALLBACK_FILE"])
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(environmentLabel(env)),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(observability.DefaultMeter()),
	}
	if projects := lowerKeys(parseKeyValueList(env["API_SECRET_PROJECT_IDS"])); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if project := strings.TrimSpace(env["API_SECRET_DEFAULT_PROJECT_ID"]); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := parseKeyValueList(env["API_SECRET_VERSION_PINS"]); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if ttl, err := time.ParseDuration(strings.TrimSpace(env["API_SECRET_CACHE_TTL"])); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if clientOpts := clientOptions(env); len(clientOpts) > 0 {
		opts = append(opts, secrets.WithClientOptions(clientOpts...))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve to a value for this deployment.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if environmentLabel(env) != "local" {
		required = append(required, "Auth.ActorTokenSecret")
	}
	driver := strings.ToLower(strings.TrimSpace(env["API_STORE_DRIVER"]))
	if driver == "" || driver == string(config.StoreDriverPostgres) {
		required = append(required, "Database.DSN")
	}
	if strings.TrimSpace(env["API_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "Stripe.WebhookSecret")
	}
	callers := make([]string, 0)
	for caller := range lowerKeys(parseKeyValueList(env["API_AUTH_HMAC_SECRETS"])) {
		callers = append(callers, caller)
	}
	sort.Strings(callers)
	for _, caller := range callers {
		required = append(required, fmt.Sprintf("Auth.HMAC.Secrets[%s]", caller))
	}
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func lowerKeys(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[strings.ToLower(k)] = v
	}
	return out
}
