package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"API_DATABASE_DSN": "postgres://localhost:5432/bazaar",
	})
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.True(t, cfg.IsLocal())
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.EqualValues(t, 10, cfg.Database.MaxConns)
	assert.EqualValues(t, 1, cfg.Database.MinConns)
	assert.Equal(t, 3, cfg.Database.TxAttempts)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, defaultPubSubTopic, cfg.PubSub.Topic)
	assert.Empty(t, cfg.PubSub.ProjectID)
	assert.Equal(t, defaultActorTokenIssuer, cfg.Auth.ActorTokenIssuer)
	assert.Equal(t, defaultHMACCallerHeader, cfg.Auth.HMAC.CallerHeader)
	assert.Equal(t, defaultHMACSignatureHeader, cfg.Auth.HMAC.SignatureHeader)
	assert.Empty(t, cfg.Auth.HMAC.Secrets)
	assert.Equal(t, defaultIdempotencyHeader, cfg.Idempotency.Header)
	assert.Equal(t, defaultIdempotencyTTL, cfg.Idempotency.TTL)
	assert.Equal(t, defaultIdempotencyBatch, cfg.Idempotency.CleanupBatchSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, defaultCheckoutRateLimit, cfg.Checkout.RateLimit)
	assert.Equal(t, time.Minute, cfg.Checkout.RateWindow)
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_ENVIRONMENT":                "PROD",
		"API_SERVER_PORT":                "9090",
		"API_SERVER_IDLE_TIMEOUT":        "2m",
		"API_DATABASE_DSN":               "secret://db/dsn",
		"API_DATABASE_MAX_CONNS":         "25",
		"API_DATABASE_MIN_CONNS":         "5",
		"API_DATABASE_TX_TIMEOUT":        "5s",
		"API_DATABASE_AUTO_MIGRATE":      "off",
		"API_PUBSUB_PROJECT_ID":          "bazaar-prod",
		"API_PUBSUB_TOPIC":               "orders",
		"API_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"API_AUTH_ACTOR_TOKEN_SECRET":    "secret://auth/actor",
		"API_AUTH_HMAC_SECRETS":          "Warehouse=secret://hmac/warehouse,payments=payments-secret",
		"API_AUTH_HMAC_HEADER_CALLER":    "X-Bazaar-Caller",
		"API_AUTH_HMAC_CLOCK_SKEW":       "3m",
		"API_SECRET_PROJECT_IDS":         "prod=bazaar-secrets",
		"API_IDEMPOTENCY_HEADER":         "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":            "48h",
		"API_IDEMPOTENCY_CLEANUP_BATCH":  "500",
		"API_SERVER_SHUTDOWN_TIMEOUT":    "not-a-duration",
		"API_DATABASE_MAX_CONN_LIFETIME": "1h",
		"API_LOG_LEVEL":                  "DEBUG",
		"API_CHECKOUT_RATE_LIMIT":        "0",
	}
	secrets := map[string]string{
		"secret://db/dsn":         "postgres://prod/bazaar",
		"secret://stripe/webhook": "whsec_123",
		"secret://auth/actor":     "actor-secret",
		"secret://hmac/warehouse": "warehouse-secret",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.False(t, cfg.IsLocal())
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, defaultShutdownTimeout, cfg.Server.ShutdownTimeout, "invalid durations fall back to defaults")
	assert.Equal(t, "postgres://prod/bazaar", cfg.Database.DSN)
	assert.EqualValues(t, 25, cfg.Database.MaxConns)
	assert.EqualValues(t, 5, cfg.Database.MinConns)
	assert.Equal(t, time.Hour, cfg.Database.MaxConnLifetime)
	assert.Equal(t, 5*time.Second, cfg.Database.TxTimeout)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, "orders", cfg.PubSub.Topic)
	assert.Equal(t, "whsec_123", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "actor-secret", cfg.Auth.ActorTokenSecret)
	assert.Equal(t, "warehouse-secret", cfg.Auth.HMAC.Secrets["warehouse"])
	assert.Equal(t, "payments-secret", cfg.Auth.HMAC.Secrets["payments"])
	assert.Equal(t, "X-Bazaar-Caller", cfg.Auth.HMAC.CallerHeader)
	assert.Equal(t, 3*time.Minute, cfg.Auth.HMAC.ClockSkew)
	assert.Equal(t, "bazaar-secrets", cfg.Secrets.ProjectIDs["prod"])
	assert.Equal(t, "X-Idem-Key", cfg.Idempotency.Header)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 500, cfg.Idempotency.CleanupBatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Zero(t, cfg.Checkout.RateLimit)
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local overrides\nAPI_SERVER_PORT=7070\nexport API_STORE_DRIVER=memory\nAPI_IDEMPOTENCY_HEADER=\"X-Request-Key\"\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o644))

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, "X-Request-Key", cfg.Idempotency.Header)
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(filepath.Join(t.TempDir(), "absent.env")),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_STORE_DRIVER": "memory"}),
	)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name   string
		env    map[string]string
		fields []string
	}{
		{
			name:   "postgres without dsn",
			env:    map[string]string{},
			fields: []string{"Database.DSN"},
		},
		{
			name:   "unknown driver",
			env:    map[string]string{"API_STORE_DRIVER": "sqlite"},
			fields: []string{"Store.Driver"},
		},
		{
			name: "memory store outside local",
			env: map[string]string{
				"API_ENVIRONMENT":             "staging",
				"API_STORE_DRIVER":            "memory",
				"API_AUTH_ACTOR_TOKEN_SECRET": "s3cret",
			},
			fields: []string{"Store.Driver"},
		},
		{
			name: "actor secret required outside local",
			env: map[string]string{
				"API_ENVIRONMENT":  "prod",
				"API_DATABASE_DSN": "postgres://prod/bazaar",
			},
			fields: []string{"Auth.ActorTokenSecret"},
		},
		{
			name: "min conns above max",
			env: map[string]string{
				"API_DATABASE_DSN":       "postgres://localhost/bazaar",
				"API_DATABASE_MAX_CONNS": "2",
				"API_DATABASE_MIN_CONNS": "4",
			},
			fields: []string{"Database.MinConns"},
		},
		{
			name: "negative checkout limit",
			env: map[string]string{
				"API_DATABASE_DSN":        "postgres://localhost/bazaar",
				"API_CHECKOUT_RATE_LIMIT": "-1",
			},
			fields: []string{"Checkout.RateLimit"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.env)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.fields, validationErr.Fields())
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_STORE_DRIVER":          "memory",
		"API_STRIPE_WEBHOOK_SECRET": "secret://missing",
	})
	var secretErr *SecretError
	require.ErrorAs(t, err, &secretErr)
	assert.Equal(t, "secret://missing", secretErr.Ref)
	assert.ErrorIs(t, err, errSecretResolverNotConfigured)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://stripe/webhook" {
			return "whsec_legacy", nil
		}
		return "", errors.New("not found")
	})

	cfg, err := load(t, map[string]string{
		"API_STORE_DRIVER":          "memory",
		"API_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}, WithSecretResolver(resolver))
	require.NoError(t, err)
	assert.Equal(t, "whsec_legacy", cfg.Stripe.WebhookSecret)
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_PUBSUB_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.secrets.local\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))

	t.Setenv("API_PUBSUB_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_PUBSUB_PROJECT_ID": "override-project",
	}))
	require.NoError(t, err)

	assert.Equal(t, "override-project", values["API_PUBSUB_PROJECT_ID"])
	assert.Equal(t, ".secrets.local", values["API_SECRET_FALLBACK_FILE"])
	assert.Equal(t, "prod=project-prod", values["API_SECRET_PROJECT_IDS"])
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := load(t, map[string]string{"API_STORE_DRIVER": "memory"},
		WithRequiredSecrets("Stripe.WebhookSecret", " ", "Stripe.WebhookSecret"),
	)
	var missing *MissingSecretsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{redactSecretName("Stripe.WebhookSecret")}, missing.RedactedNames())
	assert.NotContains(t, missing.Error(), "Stripe.WebhookSecret")
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected panic when required secrets missing")
		missing, ok := rec.(*MissingSecretsError)
		require.True(t, ok, "unexpected panic value %T", rec)
		assert.Equal(t, []string{"Auth.ActorTokenSecret"}, missing.Names())
	}()

	_, _ = load(t, map[string]string{"API_STORE_DRIVER": "memory"},
		WithRequiredSecrets("Auth.ActorTokenSecret"),
		WithPanicOnMissingSecrets(),
	)
}
