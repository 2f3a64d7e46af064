package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearQueueEnv unsets every variable Config reads, so a test's defaults
// assertions aren't at the mercy of whatever's in the process environment.
// os.Unsetenv, not t.Setenv(k, ""), because loadEnv can't distinguish "set
// to empty" from "set to a real value" — only LookupEnv's ok=false means
// "use the pre-seeded default".
func clearQueueEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"QUEUE_REDIS_ADDR", "QUEUE_REDIS_SENTINEL_ADDRS", "QUEUE_REDIS_SENTINEL_MASTER",
		"QUEUE_REDIS_PREFIX", "QUEUE_POSTGRES_DSN", "QUEUE_NAMES", "QUEUE_LEASE",
		"QUEUE_POLL_INTERVAL", "QUEUE_MAX_BACKOFF", "QUEUE_DEFAULT_MAX_RETRIES",
		"QUEUE_CONCURRENCY", "QUEUE_SHUTDOWN_GRACE", "QUEUE_DRAIN_GROUP",
		"QUEUE_DRAIN_BATCH_SIZE", "QUEUE_LOG_LEVEL",
	}
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, prev)
			} else {
				_ = os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_RequiresPostgresDSN(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_POSTGRES_DSN")
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"default"}, cfg.Queues())
	assert.Equal(t, 60*time.Second, cfg.Lease)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("QUEUE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("QUEUE_NAMES", "emails, sms ,reports")
	t.Setenv("QUEUE_LEASE", "30s")
	t.Setenv("QUEUE_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"emails", "sms", "reports"}, cfg.Queues())
	assert.Equal(t, 30*time.Second, cfg.Lease)
	assert.EqualValues(t, 8, cfg.Concurrency)
}

func TestLoad_SentinelRequiresMaster(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("QUEUE_REDIS_SENTINEL_ADDRS", "10.0.0.1:26379,10.0.0.2:26379")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_REDIS_SENTINEL_MASTER")
}

func TestLoad_SentinelAddrsParsedWithMaster(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("QUEUE_REDIS_SENTINEL_ADDRS", "10.0.0.1:26379, 10.0.0.2:26379")
	t.Setenv("QUEUE_REDIS_SENTINEL_MASTER", "mymaster")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:26379", "10.0.0.2:26379"}, cfg.SentinelAddrs())
}

func TestLoad_InvalidDurationReportsField(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("QUEUE_LEASE", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "QUEUE_LEASE", invalid.EnvVar)
}

func TestQueues_EmptyNamesFailsValidation(t *testing.T) {
	clearQueueEnv(t)
	t.Setenv("QUEUE_POSTGRES_DSN", "postgres://localhost/test")
	t.Setenv("QUEUE_NAMES", "  , ,")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_NAMES")
}
