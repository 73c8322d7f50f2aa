package app

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/payrelay/payrelay/modules/recorder"
)

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	require.Equal(t, All, cfg.Target)
	require.Equal(t, 9999, cfg.Server.HTTPListenPort)
	require.Equal(t, 50000, cfg.Buffer.MaxSize)
	require.Equal(t, recorder.BackendMemory, cfg.Recorder.Backend)
	require.Equal(t, "http://payment-processor-default:8080", cfg.Gateway.DefaultURL)
	require.Equal(t, "http://payment-processor-fallback:8080", cfg.Gateway.FallbackURL)
	require.Equal(t, 5*time.Second, cfg.Health.PollInterval)
	require.Equal(t, 30*time.Millisecond, cfg.Health.UnhealthyLatency)
}

func TestApplyEnvironment(t *testing.T) {
	cfg := defaultConfig()

	err := cfg.ApplyEnvironment(envFrom(map[string]string{
		"PORT":                   "8888",
		"PAYMENT_QUEUE_MAX_SIZE": "1000",
		"PROCESSOR_DEFAULT_URL":  "http://default:8080",
		"PROCESSOR_FALLBACK_URL": "http://fallback:8080",
		"HTTP_POOL_SIZE":         "50",
		"HTTP_POOL_COUNT":        "3",
	}))
	require.NoError(t, err)

	require.Equal(t, 8888, cfg.Server.HTTPListenPort)
	require.Equal(t, 1000, cfg.Buffer.MaxSize)
	require.Equal(t, "http://default:8080", cfg.Gateway.DefaultURL)
	require.Equal(t, "http://fallback:8080", cfg.Gateway.FallbackURL)
	require.Equal(t, 50, cfg.Gateway.PoolSize)
	require.Equal(t, 3, cfg.Gateway.PoolCount)
}

func TestApplyEnvironmentInfiniteQueue(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"PAYMENT_QUEUE_MAX_SIZE": "infinity",
	})))
	require.Zero(t, cfg.Buffer.MaxSize)

	// case-insensitive
	cfg = defaultConfig()
	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"PAYMENT_QUEUE_MAX_SIZE": "Infinity",
	})))
	require.Zero(t, cfg.Buffer.MaxSize)
}

func TestApplyEnvironmentRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "bad port", vars: map[string]string{"PORT": "not-a-port"}},
		{name: "bad queue size", vars: map[string]string{"PAYMENT_QUEUE_MAX_SIZE": "-5"}},
		{name: "queue size zero", vars: map[string]string{"PAYMENT_QUEUE_MAX_SIZE": "0"}},
		{name: "bad db port", vars: map[string]string{"DB_PORT": "eighty"}},
		{name: "bad pool size", vars: map[string]string{"HTTP_POOL_SIZE": "many"}},
		{name: "bad ssl", vars: map[string]string{"DB_SSL": "maybe"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, defaultConfig().ApplyEnvironment(envFrom(tc.vars)))
		})
	}
}

func TestApplyEnvironmentDatabaseURL(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"DATABASE_URL": "postgres://u:p@db:5432/payments",
	})))

	require.Equal(t, recorder.BackendPostgres, cfg.Recorder.Backend)
	require.Equal(t, "postgres://u:p@db:5432/payments", cfg.Recorder.Postgres.ConnString())
}

func TestApplyEnvironmentDatabaseFields(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"DB_HOST":      "db",
		"DB_PORT":      "5433",
		"DB_USER":      "rinha",
		"DB_PASSWORD":  "secret",
		"DB_NAME":      "payments",
		"DB_POOL_SIZE": "20",
	})))

	require.Equal(t, recorder.BackendPostgres, cfg.Recorder.Backend)
	require.Equal(t,
		"postgres://rinha:secret@db:5433/payments?sslmode=disable&pool_max_conns=20",
		cfg.Recorder.Postgres.ConnString())
}

func TestApplyEnvironmentBaseURLSeedsBothRoutes(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"PAYMENTS_BASE_URL": "http://processor:8080",
	})))
	require.Equal(t, "http://processor:8080", cfg.Gateway.DefaultURL)
	require.Equal(t, "http://processor:8080", cfg.Gateway.FallbackURL)

	// the per-route variable wins over the shared base
	cfg = defaultConfig()
	require.NoError(t, cfg.ApplyEnvironment(envFrom(map[string]string{
		"PAYMENTS_BASE_URL":      "http://processor:8080",
		"PROCESSOR_FALLBACK_URL": "http://other:8080",
	})))
	require.Equal(t, "http://processor:8080", cfg.Gateway.DefaultURL)
	require.Equal(t, "http://other:8080", cfg.Gateway.FallbackURL)
}

func TestApplyEnvironmentNoVars(t *testing.T) {
	cfg := defaultConfig()
	before := *cfg

	require.NoError(t, cfg.ApplyEnvironment(envFrom(nil)))
	require.Equal(t, before.Server.HTTPListenPort, cfg.Server.HTTPListenPort)
	require.Equal(t, before.Buffer.MaxSize, cfg.Buffer.MaxSize)
	require.Equal(t, before.Recorder.Backend, cfg.Recorder.Backend)
}

func TestCheckConfigWarnsOnUnboundedQueue(t *testing.T) {
	cfg := defaultConfig()
	cfg.Buffer.MaxSize = 0

	require.NotEmpty(t, cfg.CheckConfig())
}
