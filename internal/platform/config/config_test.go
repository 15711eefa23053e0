package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	require.NoError(t, err)

	require.Equal(t, "3004", cfg.Server.Port)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	require.Equal(t, "dev-secret-key", cfg.Auth.JWTSecret)
	require.Equal(t, "internal-service-token", cfg.Auth.ServiceAuthToken)
	require.Equal(t, "http://localhost:3003", cfg.Services.Cart.URL)
	require.Equal(t, 5*time.Second, cfg.Services.Product.Timeout)
	require.Equal(t, 30*time.Second, cfg.Services.Payment.Timeout)
	require.Equal(t, StorePostgres, cfg.Store.Kind)
	require.Equal(t, defaultDatabaseURL, cfg.Store.DatabaseURL)
	require.Equal(t, []string{SinkLog}, cfg.Events.Sinks)
	require.Equal(t, PaymentProviderHTTP, cfg.Payments.Provider)
	require.Equal(t, "USD", cfg.Payments.DefaultCurrency)
	require.Equal(t, 100, cfg.RateLimit.Requests)
	require.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	require.Equal(t, "Idempotency-Key", cfg.Idempotency.Header)
	require.True(t, cfg.Observability.MetricsEnabled)
	require.False(t, cfg.HasRedis())
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"PORT":                    "8088",
		"JWT_SECRET":              "sm://projects/shop/secrets/jwt",
		"PAYMENT_SERVICE_TIMEOUT": "45000",
		"CART_SERVICE_TIMEOUT":    "2s",
		"PAYMENT_ALLOWED_HOSTS":   "pay.internal, pay.backup",
		"ORDER_STORE":             "Firestore",
		"FIRESTORE_PROJECT_ID":    "shop-dev",
		"REDIS_ADDR":              "localhost:6379",
		"EVENT_SINKS":             "log, PubSub, redis",
		"PAYMENT_PROVIDER":        "stripe",
		"STRIPE_API_KEY":          "secret://stripe/api",
		"METRICS_ENABLED":         "off",
	}
	secrets := map[string]string{
		"secret://projects/shop/secrets/jwt": "jwt-from-sm",
		"secret://stripe/api":                "sk_test_123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	require.NoError(t, err)

	require.Equal(t, "8088", cfg.Server.Port)
	require.Equal(t, "jwt-from-sm", cfg.Auth.JWTSecret)
	require.Equal(t, 45*time.Second, cfg.Services.Payment.Timeout)
	require.Equal(t, 2*time.Second, cfg.Services.Cart.Timeout)
	require.Equal(t, []string{"pay.internal", "pay.backup"}, cfg.Services.PaymentAllowedHosts)
	require.Equal(t, StoreFirestore, cfg.Store.Kind)
	require.Equal(t, "shop-dev", cfg.Events.PubSubProjectID)
	require.True(t, cfg.Events.HasSink(SinkPubSub))
	require.True(t, cfg.Events.HasSink(SinkRedis))
	require.False(t, cfg.Events.HasSink(SinkKafka))
	require.Equal(t, "sk_test_123", cfg.Payments.StripeAPIKey)
	require.False(t, cfg.Observability.MetricsEnabled)
	require.True(t, cfg.HasRedis())
}

func TestLoadReportsInvalidFields(t *testing.T) {
	env := map[string]string{
		"PORT":             "not-a-port",
		"CART_SERVICE_URL": "ftp://cart",
		"ORDER_STORE":      "mongo",
		"EVENT_SINKS":      "kafka,carrier-pigeon",
		"PAYMENT_PROVIDER": "stripe",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.ElementsMatch(t, []string{
		"Server.Port",
		"Services.Cart.URL",
		"Store.Kind",
		"Events.KafkaBrokers",
		"Events.Sinks[carrier-pigeon]",
		"Payments.StripeAPIKey",
	}, validationErr.Fields())
}

func TestLoadFailsWithoutSecretResolver(t *testing.T) {
	env := map[string]string{"JWT_SECRET": "secret://jwt"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	require.ErrorAs(t, err, &secretErr)
	require.Equal(t, "secret://jwt", secretErr.Ref)
}

func TestLoadReadsDotEnvBelowExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "PORT=4100\nORDER_STORE=memory\nKAFKA_TOPIC=orders-dotenv\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(context.Background(),
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"PORT": "4200"}),
	)
	require.NoError(t, err)
	require.Equal(t, "4200", cfg.Server.Port)
	require.Equal(t, StoreMemory, cfg.Store.Kind)
	require.Equal(t, "orders-dotenv", cfg.Events.KafkaTopic)
}

func TestLoadIgnoresMissingDotEnv(t *testing.T) {
	_, err := Load(context.Background(), WithEnvFile(filepath.Join(t.TempDir(), "missing.env")), WithoutSystemEnv())
	require.NoError(t, err)
}
