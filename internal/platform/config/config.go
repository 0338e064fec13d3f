package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultStoreDriver         = StoreDriverPostgres
	defaultDBMaxConns          = 10
	defaultDBMinConns          = 1
	defaultDBMaxConnLifetime   = 30 * time.Minute
	defaultDBConnectTimeout    = 10 * time.Second
	defaultDBTxAttempts        = 3
	defaultDBTxTimeout         = 15 * time.Second
	defaultPubSubTopic         = "marketplace-order-events"
	defaultEnvironment         = "local"
	defaultActorTokenIssuer    = "bazaarline"
	defaultHMACCallerHeader    = "X-Signature-Caller"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultLogLevel            = "info"
	defaultCheckoutRateLimit   = 30
	defaultCheckoutRateWindow  = time.Minute
)

// StoreDriver selects the Ledger Store backend.
type StoreDriver string

const (
	// StoreDriverPostgres persists through pgx into PostgreSQL.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverMemory keeps all state in process; intended for local runs.
	StoreDriverMemory StoreDriver = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Store       StoreConfig
	Database    DatabaseConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	Secrets     SecretsConfig
	Idempotency IdempotencyConfig
	Checkout    CheckoutConfig
}

// LoggingConfig sets the zap level.
type LoggingConfig struct {
	Level string
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig chooses the Ledger Store implementation.
type StoreConfig struct {
	Driver StoreDriver
}

// DatabaseConfig holds the PostgreSQL connection and transaction settings.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	TxAttempts      int
	TxTimeout       time.Duration
	AutoMigrate     bool
}

// PubSubConfig identifies where domain events are published. An empty project disables publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// StripeConfig stores the gateway webhook signing secret.
type StripeConfig struct {
	WebhookSecret string
}

// AuthConfig groups actor token and service-to-service signing settings.
type AuthConfig struct {
	ActorTokenSecret string
	ActorTokenIssuer string
	HMAC             HMACConfig
}

// HMACConfig captures internal request signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	CallerHeader    string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// SecretsConfig controls how secret:// references are fetched.
type SecretsConfig struct {
	ProjectIDs   map[string]string
	FallbackFile string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// CheckoutConfig throttles order placement per customer. A zero limit disables throttling.
type CheckoutConfig struct {
	RateLimit  int
	RateWindow time.Duration
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := newLookup(options, dotEnvValues)

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
		Logging: LoggingConfig{
			Level: strings.ToLower(stringWithDefault(lookup, "API_LOG_LEVEL", defaultLogLevel)),
		},
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Store: StoreConfig{
			Driver: StoreDriver(strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", string(defaultStoreDriver)))),
		},
		Database: DatabaseConfig{
			DSN:             stringWithDefault(lookup, "API_DATABASE_DSN", ""),
			MaxConns:        int32(intWithDefault(lookup, "API_DATABASE_MAX_CONNS", defaultDBMaxConns)),
			MinConns:        int32(intWithDefault(lookup, "API_DATABASE_MIN_CONNS", defaultDBMinConns)),
			MaxConnLifetime: durationWithDefault(lookup, "API_DATABASE_MAX_CONN_LIFETIME", defaultDBMaxConnLifetime),
			ConnectTimeout:  durationWithDefault(lookup, "API_DATABASE_CONNECT_TIMEOUT", defaultDBConnectTimeout),
			TxAttempts:      intWithDefault(lookup, "API_DATABASE_TX_ATTEMPTS", defaultDBTxAttempts),
			TxTimeout:       durationWithDefault(lookup, "API_DATABASE_TX_TIMEOUT", defaultDBTxTimeout),
			AutoMigrate:     boolWithDefault(lookup, "API_DATABASE_AUTO_MIGRATE", true),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "API_PUBSUB_TOPIC", defaultPubSubTopic),
		},
		Stripe: StripeConfig{
			WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
		},
		Auth: AuthConfig{
			ActorTokenSecret: stringWithDefault(lookup, "API_AUTH_ACTOR_TOKEN_SECRET", ""),
			ActorTokenIssuer: stringWithDefault(lookup, "API_AUTH_ACTOR_TOKEN_ISSUER", defaultActorTokenIssuer),
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_AUTH_HMAC_SECRETS"),
				CallerHeader:    stringWithDefault(lookup, "API_AUTH_HMAC_HEADER_CALLER", defaultHMACCallerHeader),
				SignatureHeader: stringWithDefault(lookup, "API_AUTH_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_AUTH_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_AUTH_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_AUTH_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_AUTH_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Secrets: SecretsConfig{
			ProjectIDs:   mapWithDefault(lookup, "API_SECRET_PROJECT_IDS"),
			FallbackFile: stringWithDefault(lookup, "API_SECRET_FALLBACK_FILE", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Checkout: CheckoutConfig{
			RateLimit:  intWithDefault(lookup, "API_CHECKOUT_RATE_LIMIT", defaultCheckoutRateLimit),
			RateWindow: durationWithDefault(lookup, "API_CHECKOUT_RATE_WINDOW", defaultCheckoutRateWindow),
		},
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	for key, value := range cfg.Auth.HMAC.Secrets {
		resolved, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Auth.HMAC.Secrets[key] = resolved
		resolvedSecrets[fmt.Sprintf("Auth.HMAC.Secrets[%s]", key)] = strings.TrimSpace(resolved)
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Auth.ActorTokenSecret", &cfg.Auth.ActorTokenSecret},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// IsLocal reports whether the service runs in a developer environment.
func (c Config) IsLocal() bool {
	return c.Environment == "" || c.Environment == defaultEnvironment
}

func validateConfig(cfg Config) error {
	var invalid []string

	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			invalid = append(invalid, "Database.DSN")
		}
		if cfg.Database.MaxConns <= 0 {
			invalid = append(invalid, "Database.MaxConns")
		}
		if cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
			invalid = append(invalid, "Database.MinConns")
		}
		if cfg.Database.TxAttempts <= 0 {
			invalid = append(invalid, "Database.TxAttempts")
		}
	case StoreDriverMemory:
		if !cfg.IsLocal() {
			invalid = append(invalid, "Store.Driver")
		}
	default:
		invalid = append(invalid, "Store.Driver")
	}
	if cfg.PubSub.ProjectID != "" && strings.TrimSpace(cfg.PubSub.Topic) == "" {
		invalid = append(invalid, "PubSub.Topic")
	}
	if !cfg.IsLocal() && strings.TrimSpace(cfg.Auth.ActorTokenSecret) == "" {
		invalid = append(invalid, "Auth.ActorTokenSecret")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Checkout.RateLimit < 0 {
		invalid = append(invalid, "Checkout.RateLimit")
	}
	if cfg.Checkout.RateLimit > 0 && cfg.Checkout.RateWindow <= 0 {
		invalid = append(invalid, "Checkout.RateWindow")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
